package serial_test

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/Jaobie-BN/labnet-test/internal/serial"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("DefaultOpener over tcp", func() {
	var (
		listener net.Listener
		accepted chan net.Conn
		adapter  *serial.Adapter
		address  string
		ctx      context.Context
	)

	BeforeEach(func() {
		var err error
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		address = serial.TCPScheme + listener.Addr().String()

		accepted = make(chan net.Conn, 1)
		go func() {
			if conn, err := listener.Accept(); err == nil {
				accepted <- conn
			}
		}()

		adapter = serial.NewAdapter(&serial.DefaultOpener{WriteTimeout: time.Second}, zap.NewNop())
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		DeferCleanup(func() {
			for _, id := range adapter.OpenDevices() {
				adapter.Close(id)
			}
			_ = listener.Close()
			cancel()
		})
	})

	serverConn := func() net.Conn {
		var conn net.Conn
		EventuallyWithOffset(1, accepted, time.Second).Should(Receive(&conn))
		DeferCleanup(func() { _ = conn.Close() })
		return conn
	}

	It("should write commands and read console output", func() {
		events, err := adapter.Open(ctx, "sw1", address, 9600)
		Expect(err).NotTo(HaveOccurred())
		Expect(next(events).Kind).To(Equal(serial.EventOpened))
		conn := serverConn()

		Expect(adapter.Send("sw1", "show version")).To(Succeed())
		Expect(conn.SetReadDeadline(time.Now().Add(time.Second))).To(Succeed())
		buf := make([]byte, len("show version\r"))
		_, err = io.ReadFull(conn, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("show version\r"))

		_, err = conn.Write([]byte("Switch>\r\n"))
		Expect(err).NotTo(HaveOccurred())
		raw := next(events)
		Expect(raw.Kind).To(Equal(serial.EventRawData))
		Expect(string(raw.Data)).To(Equal("Switch>\r\n"))
		Expect(next(events)).To(Equal(serial.Event{Kind: serial.EventData, DeviceID: "sw1", Line: "Switch>"}))
	})

	It("should end the stream when the console server hangs up", func() {
		events, err := adapter.Open(ctx, "sw1", address, 9600)
		Expect(err).NotTo(HaveOccurred())
		Expect(next(events).Kind).To(Equal(serial.EventOpened))

		Expect(serverConn().Close()).To(Succeed())

		Expect(next(events)).To(Equal(serial.Event{Kind: serial.EventClosed, DeviceID: "sw1"}))
		Eventually(events).Should(BeClosed())
		Expect(adapter.IsOpen("sw1")).To(BeFalse())
		Expect(adapter.Send("sw1", "show version")).To(MatchError(serial.ErrNotOpen))
	})

	It("should fail when nothing listens on the address", func() {
		Expect(listener.Close()).To(Succeed())

		_, err := adapter.Open(ctx, "sw1", address, 9600)
		Expect(err).To(MatchError(ContainSubstring("dial " + listener.Addr().String())))
		Expect(adapter.IsOpen("sw1")).To(BeFalse())
	})
})
