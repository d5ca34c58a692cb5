package serversession

import (
	"context"
	"sync"

	"github.com/lierdakil/hoip/internal/hiddev"
	"github.com/lierdakil/hoip/internal/wire"
)

// deviceMux fair-interleaves events read from a fixed set of physical
// devices into one channel: per-device order is preserved, but the merge
// order across devices is unspecified. Both the chord-wait phase and the
// active-forward phase read from the same mux in turn, never concurrently,
// since one server session drives its state machine from a single
// goroutine.
type deviceMux struct {
	devices []hiddev.Device
}

func newDeviceMux(devices []hiddev.Device) *deviceMux {
	return &deviceMux{devices: devices}
}

// run starts one reader goroutine per device and fans their events into a
// single channel. It returns immediately; the returned channel is closed
// once ctx is cancelled or every device's reader has ended, and the first
// device error is reported on errc.
func (m *deviceMux) run(ctx context.Context) (<-chan wire.Event, <-chan error) {
	out := make(chan wire.Event)
	errc := make(chan error, 1)

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var once sync.Once
	reportErr := func(err error) {
		once.Do(func() {
			select {
			case errc <- err:
			default:
			}
			cancel()
		})
	}

	for _, dev := range m.devices {
		dev := dev
		events, errs := dev.Events(runCtx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					select {
					case out <- e:
					case <-runCtx.Done():
						return
					}
				case err, ok := <-errs:
					if ok && err != nil {
						reportErr(err)
					}
					return
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()

	return out, errc
}
