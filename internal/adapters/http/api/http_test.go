package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/tunebuzz/internal/adapters/docstore/memstore"
	"github.com/okian/tunebuzz/internal/adapters/http/api"
	"github.com/okian/tunebuzz/internal/domain/directory"
	"github.com/okian/tunebuzz/internal/domain/hosted"
	"github.com/okian/tunebuzz/internal/domain/hostless"
	"github.com/okian/tunebuzz/internal/domain/model"
	"github.com/okian/tunebuzz/internal/domain/rounds"
)

type games struct {
	hosted   *hosted.Machine
	hostless *hostless.Machine
	dir      *directory.Directory
}

func (g *games) Hosted() *hosted.Machine         { return g.hosted }
func (g *games) Hostless() *hostless.Machine     { return g.hostless }
func (g *games) Directory() *directory.Directory { return g.dir }

type staticStats map[string]any

func (s staticStats) GetStats() map[string]any { return s }

func newHandler() (http.Handler, *memstore.Store) {
	s := memstore.New(memstore.WithMaxAttempts(64))
	dir := directory.New(s)
	deps := &games{
		hosted:   hosted.New(rounds.NewRunner(s, model.Hosted), dir),
		hostless: hostless.New(rounds.NewRunner(s, model.Hostless), dir),
		dir:      dir,
	}
	return api.NewServer(deps, staticStats{"started": true}).Handler(), s
}

func call(h http.Handler, method, path, who string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if who != "" {
		req.Header.Set(api.IdentityHeader, who)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](w *httptest.ResponseRecorder) T {
	var out T
	So(json.Unmarshal(w.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestAmbientRoutes(t *testing.T) {
	Convey("Given the gateway", t, func() {
		h, s := newHandler()
		defer s.Close()

		Convey("Then health, metrics and stats answer", func() {
			So(call(h, http.MethodGet, "/healthz", "", nil).Code, ShouldEqual, http.StatusOK)
			So(call(h, http.MethodGet, "/metrics", "", nil).Code, ShouldEqual, http.StatusOK)
			w := call(h, http.MethodGet, "/stats", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode[map[string]any](w)["started"], ShouldEqual, true)
		})

		Convey("Then an identity can be issued", func() {
			w := call(h, http.MethodPost, "/identity", "", nil)
			So(w.Code, ShouldEqual, http.StatusCreated)
			So(len(decode[map[string]string](w)["identity"]), ShouldEqual, 36)
		})

		Convey("Then game routes demand an identity and a known variant", func() {
			So(call(h, http.MethodPost, "/v1/hosted/games", "", nil).Code, ShouldEqual, http.StatusUnauthorized)
			So(call(h, http.MethodPost, "/v1/coop/games", "u1", nil).Code, ShouldEqual, http.StatusNotFound)
			So(call(h, http.MethodGet, "/nowhere", "u1", nil).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestHostedRoutes(t *testing.T) {
	Convey("Given a hosted game created over HTTP", t, func() {
		h, s := newHandler()
		defer s.Close()

		w := call(h, http.MethodPost, "/v1/hosted/games", "host", nil)
		So(w.Code, ShouldEqual, http.StatusCreated)
		g := decode[model.Game](w)
		So(g.OwnerName, ShouldEqual, "Host")
		base := "/v1/hosted/games/" + g.ID

		Convey("When a player resolves the code and joins", func() {
			w := call(h, http.MethodGet, "/v1/hosted/codes/"+strings.ToLower(g.JoinCode), "p1", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode[model.Game](w).ID, ShouldEqual, g.ID)

			w = call(h, http.MethodPost, base+"/players", "p1", map[string]string{"displayName": "Ada"})
			So(w.Code, ShouldEqual, http.StatusOK)
			So(decode[model.Player](w).DisplayName, ShouldEqual, "Ada")

			Convey("And buzzes in a live round that the host judges correct", func() {
				So(call(h, http.MethodPost, base+"/commands/start-round", "host", nil).Code, ShouldEqual, http.StatusOK)
				w := call(h, http.MethodPost, base+"/commands/buzz", "p1", nil)
				So(w.Code, ShouldEqual, http.StatusOK)
				buzz := decode[model.Buzz](w)

				w = call(h, http.MethodGet, base+"/buzzes", "host", nil)
				So(len(decode[[]model.Buzz](w)), ShouldEqual, 1)

				w = call(h, http.MethodPost, base+"/commands/judge-correct?close=true", "host",
					map[string]any{"buzzId": buzz.ID, "player": "p1"})
				So(w.Code, ShouldEqual, http.StatusOK)
				out := decode[map[string]json.RawMessage](w)
				var closed model.Game
				So(json.Unmarshal(out["game"], &closed), ShouldBeNil)
				So(closed.RoundPhase, ShouldEqual, model.Closed)

				Convey("Then the standings show the point", func() {
					w := call(h, http.MethodGet, base+"/standings?top=1", "p1", nil)
					So(w.Code, ShouldEqual, http.StatusOK)
					entries := decode[[]map[string]any](w)
					So(len(entries), ShouldEqual, 1)
					So(entries[0]["identity"], ShouldEqual, "p1")
					So(entries[0]["score"], ShouldEqual, 1)
					So(entries[0]["rank"], ShouldEqual, 1)
				})

				Convey("Then one player's row can be looked up", func() {
					w := call(h, http.MethodGet, base+"/standings?identity=p1", "host", nil)
					So(w.Code, ShouldEqual, http.StatusOK)
					entry := decode[map[string]any](w)
					So(entry["rank"], ShouldEqual, 1)
					So(entry["displayName"], ShouldEqual, "Ada")

					w = call(h, http.MethodGet, base+"/standings?identity=stranger", "host", nil)
					So(w.Code, ShouldEqual, http.StatusNotFound)
				})

				Convey("Then judging the same buzz again conflicts", func() {
					w := call(h, http.MethodPost, base+"/commands/judge-incorrect", "host",
						map[string]any{"buzzId": buzz.ID, "player": "p1"})
					So(w.Code, ShouldEqual, http.StatusConflict)
					So(decode[map[string]string](w)["code"], ShouldEqual, "invalid_transition")
				})
			})
		})

		Convey("Then errors map to statuses", func() {
			So(call(h, http.MethodPost, base+"/commands/start-round", "host", nil).Code, ShouldEqual, http.StatusOK)
			So(call(h, http.MethodPost, base+"/commands/start-round", "host", nil).Code, ShouldEqual, http.StatusConflict)
			So(call(h, http.MethodPost, base+"/commands/judge-correct", "host",
				map[string]any{"buzzId": "nope", "player": "p1"}).Code, ShouldEqual, http.StatusNotFound)
			So(call(h, http.MethodPost, base+"/commands/teleport", "host", nil).Code, ShouldEqual, http.StatusNotFound)
			So(call(h, http.MethodPost, base+"/players", "p2", map[string]string{"displayName": " "}).Code, ShouldEqual, http.StatusBadRequest)
			So(call(h, http.MethodPost, base+"/players", "p2", map[string]int{"shoeSize": 9}).Code, ShouldEqual, http.StatusBadRequest)
			So(call(h, http.MethodGet, "/v1/hosted/games/missing", "host", nil).Code, ShouldEqual, http.StatusNotFound)
			So(call(h, http.MethodGet, "/v1/hosted/codes/!!", "host", nil).Code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Then the join code renders as a QR image", func() {
			w := call(h, http.MethodGet, "/v1/hosted/codes/"+g.JoinCode+"/qr", "", nil)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Header().Get("Content-Type"), ShouldEqual, "image/png")
			So(bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")), ShouldBeTrue)
		})
	})
}

func TestHostlessRoutes(t *testing.T) {
	Convey("Given a live hostless game with two players", t, func() {
		h, s := newHandler()
		defer s.Close()

		w := call(h, http.MethodPost, "/v1/hostless/games", "cleo", map[string]string{"displayName": "Cleo"})
		So(w.Code, ShouldEqual, http.StatusCreated)
		g := decode[model.Game](w)
		base := "/v1/hostless/games/" + g.ID
		So(call(h, http.MethodPost, base+"/players", "bo", map[string]string{"displayName": "Bo"}).Code, ShouldEqual, http.StatusOK)
		So(call(h, http.MethodPost, base+"/commands/start-round", "cleo", nil).Code, ShouldEqual, http.StatusOK)

		Convey("When both race to claim", func() {
			first := call(h, http.MethodPost, base+"/commands/claim", "bo", nil)
			second := call(h, http.MethodPost, base+"/commands/claim", "cleo", nil)

			Convey("Then the loser gets a conflict", func() {
				So(first.Code, ShouldEqual, http.StatusOK)
				So(second.Code, ShouldEqual, http.StatusConflict)
				So(decode[model.Game](first).FirstResponder.Identity, ShouldEqual, "bo")
			})
		})

		Convey("When answers are submitted and evaluated", func() {
			So(call(h, http.MethodPost, base+"/commands/answer", "bo", map[string]any{"text": "Heroes", "round": 1}).Code, ShouldEqual, http.StatusOK)
			dup := call(h, http.MethodPost, base+"/commands/answer", "bo", map[string]any{"text": "Heroes", "round": 1})
			blank := call(h, http.MethodPost, base+"/commands/answer", "cleo", map[string]any{"text": " ", "round": 1})
			w := call(h, http.MethodPost, base+"/commands/evaluate", "cleo", map[string]any{"correctAnswer": "Heroes - David Bowie"})

			Convey("Then duplicates conflict, blanks are rejected and grading settles", func() {
				So(dup.Code, ShouldEqual, http.StatusConflict)
				So(decode[map[string]string](dup)["code"], ShouldEqual, "duplicate_submission")
				So(blank.Code, ShouldEqual, http.StatusBadRequest)
				So(w.Code, ShouldEqual, http.StatusOK)
				ev := decode[hostless.Evaluation](w)
				So(ev.Correct, ShouldEqual, 1)
				So(ev.Scores["bo"], ShouldEqual, 1)

				answers := decode[[]model.Answer](call(h, http.MethodGet, base+"/answers?round=1", "bo", nil))
				So(len(answers), ShouldEqual, 1)
				So(answers[0].Graded, ShouldBeTrue)
			})
		})

		Convey("When everyone votes to skip", func() {
			call(h, http.MethodPost, base+"/commands/skip", "bo", nil)
			w := call(h, http.MethodPost, base+"/commands/skip", "cleo", nil)

			Convey("Then the round closes", func() {
				So(w.Code, ShouldEqual, http.StatusOK)
				So(decode[hostless.SkipResult](w).Closed, ShouldBeTrue)
			})
		})

		Convey("Then buzz routes do not exist for hostless games", func() {
			So(call(h, http.MethodGet, base+"/buzzes", "bo", nil).Code, ShouldEqual, http.StatusNotFound)
			So(call(h, http.MethodPost, base+"/commands/buzz", "bo", nil).Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestWatchRoute(t *testing.T) {
	Convey("Given a hosted game served over a real listener", t, func() {
		h, s := newHandler()
		defer s.Close()
		srv := httptest.NewServer(h)
		defer srv.Close()

		w := call(h, http.MethodPost, "/v1/hosted/games", "host", nil)
		g := decode[model.Game](w)
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/hosted/games/" + g.ID + "/watch/game"
		header := http.Header{}
		header.Set(api.IdentityHeader, "host")

		Convey("When a client watches the game and the round starts", func() {
			conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
			So(err, ShouldBeNil)
			defer conn.Close()

			first := readGame(conn)
			So(first, ShouldNotBeNil)
			So(first.RoundPhase, ShouldEqual, model.Waiting)

			So(call(h, http.MethodPost, "/v1/hosted/games/"+g.ID+"/commands/start-round", "host", nil).Code, ShouldEqual, http.StatusOK)

			Convey("Then a later snapshot shows the live round", func() {
				var phase model.Phase
				for i := 0; i < 5 && phase != model.Live; i++ {
					if next := readGame(conn); next != nil {
						phase = next.RoundPhase
					}
				}
				So(phase, ShouldEqual, model.Live)
			})
		})

		Convey("When the stream name is unknown", func() {
			_, resp, err := websocket.DefaultDialer.Dial(strings.Replace(wsURL, "/watch/game", "/watch/answers", 1), header)
			So(err, ShouldNotBeNil)
			So(resp, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)
		})
	})
}

func readGame(conn *websocket.Conn) *model.Game {
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Stream string      `json:"stream"`
		Data   *model.Game `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		return nil
	}
	return msg.Data
}
