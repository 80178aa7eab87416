package main

import (
	"log"
	"os"
)

// shutdownStep is one named teardown action.
type shutdownStep struct {
	name string
	fn   func() error
}

// onSignal waits for the first signal on sigCh, runs steps in order, and
// closes the returned channel once the last step has returned.
func onSignal(sigCh <-chan os.Signal, steps []shutdownStep) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		for _, step := range steps {
			if err := step.fn(); err != nil {
				log.Printf("%s shutdown error: %v", step.name, err)
			}
		}
	}()
	return done
}
