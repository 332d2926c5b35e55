package e2e

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Call timeout", func() {
	It("clears now-serving once the call window elapses without host action", func() {
		// A short call window stands in for the spec's 120s so the
		// scenario runs in milliseconds instead of minutes.
		h := newHarness(80 * time.Millisecond)
		defer h.close()

		q := createQueue(h, "Timeout Test", 2)
		a, status := joinQueue(h, q.Code, "Guest A", 1)
		Expect(status).To(Equal(201))

		snap, status := advance(h, q.Code, q.HostAuthToken, "", "")
		Expect(status).To(Equal(200))
		nowServing, _ := snap["nowServing"].(map[string]any)
		Expect(nowServing["id"]).To(Equal(a.PartyID))

		Eventually(func() any {
			snap, _ := snapshot(h, q.Code, q.HostAuthToken)
			return snap["nowServing"]
		}).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(BeNil())
	})
})
