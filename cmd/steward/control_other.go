//go:build !unix

package main

import "os"

// No operator signals outside unix; dispatch runs until shutdown.
var pauseSignal, resumeSignal os.Signal
