//go:build !unix

package omniq

import (
	"os"
	"os/signal"
)

// installSignalHandlers is the portable fallback: only the interrupt
// signal is guaranteed by the os/signal package on every platform.
func installSignalHandlers(stop *stopSignal, drain bool) (remove func()) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt)
	done := make(chan struct{})
	go func() {
		interrupts := 0
		for {
			select {
			case <-done:
				return
			case <-sigs:
				interrupts++
				if drain && interrupts > 1 {
					os.Exit(130)
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
