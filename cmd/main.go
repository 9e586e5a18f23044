package main

import "os"

const releaseVersion = "0.1.0"

func main() {
	if err := newCmd().Execute(); err != nil {
		// Use stderr since the logger may not be initialized
		os.Stderr.WriteString("tunebuzz: " + err.Error() + "\n")
		os.Exit(1)
	}
}
