package relay_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Jaobie-BN/labnet-test/config"
	"github.com/Jaobie-BN/labnet-test/internal/relay"
	"github.com/Jaobie-BN/labnet-test/internal/serial"
	"github.com/Jaobie-BN/labnet-test/internal/serial/serialtest"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

const routerPath = "/dev/ttyUSB0"

var _ = Describe("Registry", func() {
	var (
		opener   *serialtest.Opener
		adapter  *serial.Adapter
		router   *relay.Router
		registry *relay.Registry
		ctx      context.Context
		cancel   context.CancelFunc
	)

	BeforeEach(func() {
		opener = serialtest.NewOpener()
		adapter = serial.NewAdapter(opener, zap.NewNop())
		router = relay.NewRouter()
		registry = relay.NewRegistry(relay.RegistryOptions{
			Transport:   adapter,
			Router:      router,
			OpenTimeout: 300 * time.Millisecond,
			OutputMode:  config.OutputRaw,
			Logger:      zap.NewNop(),
		})
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	})

	AfterEach(func() {
		Expect(registry.CloseAll(ctx)).To(Succeed())
		cancel()
	})

	Describe("EnsureOpen", func() {
		It("should open once and count every holder", func() {
			first, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			second, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			Expect(first.DeviceID()).To(Equal("r1"))
			Expect(second.DeviceID()).To(Equal("r1"))
			Expect(opener.Opens(routerPath)).To(Equal(1))
			Expect(registry.RefCount("r1")).To(Equal(2))
			Expect(registry.State("r1")).To(Equal(relay.StateOpen))
			Expect(registry.IsOpen("r1")).To(BeTrue())
		})

		It("should hand later holders the endpoint of the open cycle", func() {
			first, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			second, err := registry.EnsureOpen(ctx, "r1", "/dev/ttyUSB7", 115200)
			Expect(err).NotTo(HaveOccurred())

			for _, lease := range []*relay.Lease{first, second} {
				Expect(lease.Address()).To(Equal(routerPath))
				Expect(lease.BaudRate()).To(Equal(9600))
			}
			Expect(opener.Opens("/dev/ttyUSB7")).To(Equal(0))
		})

		It("should share one open attempt between concurrent callers", func() {
			release := opener.Hold(routerPath)

			var wg sync.WaitGroup
			errs := make(chan error, 5)
			for range 5 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
					errs <- err
				}()
			}

			Eventually(func() relay.State { return registry.State("r1") }).Should(Equal(relay.StateOpening))
			release()
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(opener.Opens(routerPath)).To(Equal(1))
			Expect(registry.RefCount("r1")).To(Equal(5))
		})

		It("should hand a failed open to every waiter", func() {
			release := opener.Hold(routerPath)
			opener.Fail(routerPath, errors.New("permission denied"))

			var wg sync.WaitGroup
			errs := make(chan error, 3)
			attempt := func(address string) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := registry.EnsureOpen(ctx, "r1", address, 9600)
					errs <- err
				}()
			}

			attempt(routerPath)
			Eventually(func() relay.State { return registry.State("r1") }).Should(Equal(relay.StateOpening))
			attempt("/dev/ttyUSB7")
			attempt("/dev/ttyUSB7")
			// Let the other callers reach the wait.
			time.Sleep(50 * time.Millisecond)
			release()
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).To(MatchError(relay.ErrTransportOpen))
				Expect(err).To(MatchError(ContainSubstring(routerPath)))
				Expect(err).NotTo(MatchError(ContainSubstring("/dev/ttyUSB7")))
			}
			Expect(opener.Opens(routerPath)).To(Equal(1))
			Expect(opener.Opens("/dev/ttyUSB7")).To(Equal(0))
			Expect(registry.State("r1")).To(Equal(relay.StateClosed))
		})

		It("should fail within the open timeout", func() {
			release := opener.Hold(routerPath)
			defer release()

			start := time.Now()
			_, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).To(MatchError(relay.ErrTransportOpen))
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(registry.State("r1")).To(Equal(relay.StateClosed))
			Expect(registry.RefCount("r1")).To(Equal(0))
		})
	})

	Describe("Release", func() {
		It("should close the transport when the last holder releases", func() {
			a, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			b, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			registry.Release(a)
			Expect(registry.RefCount("r1")).To(Equal(1))
			Expect(opener.Port(routerPath).CloseCount()).To(Equal(0))

			registry.Release(b)
			Expect(registry.State("r1")).To(Equal(relay.StateClosed))
			Expect(opener.Port(routerPath).CloseCount()).To(Equal(1))
			Expect(adapter.IsOpen("r1")).To(BeFalse())
		})

		It("should ignore a second release of the same lease", func() {
			a, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			registry.Release(a)
			a.Release()
			Expect(registry.RefCount("r1")).To(Equal(1))
			Expect(registry.IsOpen("r1")).To(BeTrue())
		})

		It("should not let a lease from an earlier cycle touch the current one", func() {
			stale, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			opener.Port(routerPath).Fault(errors.New("cable unplugged"))
			Eventually(func() relay.State { return registry.State("r1") }).Should(Equal(relay.StateClosed))
			Expect(registry.Valid(stale)).To(BeFalse())

			current, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			registry.Release(stale)

			Expect(registry.Valid(current)).To(BeTrue())
			Expect(registry.RefCount("r1")).To(Equal(1))
			Expect(opener.Opens(routerPath)).To(Equal(2))
		})
	})

	Describe("faults", func() {
		It("should clear the count and call the fault handler", func() {
			faulted := make(chan string, 1)
			registry.SetFaultHandler(func(deviceID string) { faulted <- deviceID })

			_, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			opener.Port(routerPath).Fault(nil)
			Eventually(faulted).Should(Receive(Equal("r1")))
			Expect(registry.State("r1")).To(Equal(relay.StateClosed))
			Expect(registry.RefCount("r1")).To(Equal(0))
		})

		It("should not call the fault handler for a requested close", func() {
			faulted := make(chan string, 1)
			registry.SetFaultHandler(func(deviceID string) { faulted <- deviceID })

			lease, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			registry.Release(lease)

			Consistently(faulted, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("Devices and CloseAll", func() {
		It("should report every known device in id order", func() {
			_, err := registry.EnsureOpen(ctx, "sw1", "tcp://lab:7001", 115200)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Devices()).To(Equal([]relay.DeviceStatus{
				{DeviceID: "r1", State: "OPEN", RefCount: 1, Address: routerPath, BaudRate: 9600},
				{DeviceID: "sw1", State: "OPEN", RefCount: 1, Address: "tcp://lab:7001", BaudRate: 115200},
			}))
		})

		It("should close every open device", func() {
			_, err := registry.EnsureOpen(ctx, "r1", routerPath, 9600)
			Expect(err).NotTo(HaveOccurred())
			_, err = registry.EnsureOpen(ctx, "r2", "/dev/ttyUSB1", 9600)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.CloseAll(ctx)).To(Succeed())
			Expect(registry.State("r1")).To(Equal(relay.StateClosed))
			Expect(registry.State("r2")).To(Equal(relay.StateClosed))
			Expect(opener.Port(routerPath).CloseCount()).To(Equal(1))
			Expect(opener.Port("/dev/ttyUSB1").CloseCount()).To(Equal(1))
			Expect(adapter.OpenDevices()).To(BeEmpty())
		})
	})

	It("should name its states", func() {
		Expect(relay.StateClosed.String()).To(Equal("CLOSED"))
		Expect(relay.StateOpening.String()).To(Equal("OPENING"))
		Expect(relay.StateOpen.String()).To(Equal("OPEN"))
		Expect(relay.StateClosing.String()).To(Equal("CLOSING"))
	})
})
