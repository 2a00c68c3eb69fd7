//go:build unix

package omniq

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// installSignalHandlers installs SIGTERM and SIGINT handlers for the
// lifetime of one Consume call and returns the function that removes
// them.
//
// SIGTERM requests a stop. SIGINT requests a stop; under drain the first
// SIGINT means "drain then exit" and a second one exits the process
// immediately with status 130.
func installSignalHandlers(stop *stopSignal, drain bool) (remove func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGTERM, unix.SIGINT)
	done := make(chan struct{})
	go func() {
		interrupts := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigs:
				if sig == unix.SIGINT {
					interrupts++
					if drain && interrupts > 1 {
						os.Exit(130)
					}
				}
				stop.request()
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}
