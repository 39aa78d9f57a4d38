package relay_test

import (
	"github.com/Jaobie-BN/labnet-test/internal/relay"
	"github.com/Jaobie-BN/labnet-test/pkg/protocol"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Router", func() {
	var router *relay.Router

	BeforeEach(func() {
		router = relay.NewRouter()
	})

	It("should deliver only to subscribers of the device", func() {
		a := &stubSubscriber{id: "a", capacity: 10}
		b := &stubSubscriber{id: "b", capacity: 10}
		router.Register("r1", a)
		router.Register("r2", b)

		Expect(router.Broadcast("r1", protocol.NewOutput("r1", "x"))).To(Equal(1))
		Expect(a.got).To(HaveLen(1))
		Expect(b.got).To(BeEmpty())
	})

	It("should skip subscribers that cannot take the message", func() {
		full := &stubSubscriber{id: "full", capacity: 0}
		ok := &stubSubscriber{id: "ok", capacity: 10}
		router.Register("r1", full)
		router.Register("r1", ok)

		Expect(router.Broadcast("r1", protocol.NewOutput("r1", "x"))).To(Equal(1))
		Expect(ok.got).To(HaveLen(1))
		Expect(router.Count("r1")).To(Equal(2))
	})

	It("should unregister and ignore unknown devices", func() {
		a := &stubSubscriber{id: "a", capacity: 10}
		router.Register("r1", a)
		router.Unregister("r1", a)
		router.Unregister("r9", a)

		Expect(router.Count("r1")).To(Equal(0))
		Expect(router.Subscribers("r1")).To(BeEmpty())
		Expect(router.Broadcast("r9", protocol.NewOutput("r9", "x"))).To(Equal(0))
	})

	It("should not let a stale subscriber remove its replacement", func() {
		old := &stubSubscriber{id: "a", capacity: 10}
		replacement := &stubSubscriber{id: "a", capacity: 10}
		router.Register("r1", old)
		router.Register("r1", replacement)
		router.Unregister("r1", old)

		subs := router.Subscribers("r1")
		Expect(subs).To(HaveLen(1))
		Expect(subs[0]).To(BeIdenticalTo(replacement))
	})
})
