// Copyright (c) 2025 The talersuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// interruptListener returns a channel that is closed when the first SIGINT or
// SIGTERM is received.  Receiving a second signal while shutdown is already in
// progress logs it and keeps waiting.
func interruptListener() <-chan struct{} {
	c := make(chan struct{})
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)

		sig := <-interruptChannel
		log.Infof("Received signal (%s), shutting down...", sig)
		close(c)

		for {
			sig := <-interruptChannel
			log.Infof("Received signal (%s), already shutting down...",
				sig)
		}
	}()
	return c
}
