package e2e

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Position-threshold notification dedup", func() {
	It("emits at most one pos_5 and one pos_2 per party as the line advances", func() {
		sink := &recordingSink{}
		h := newHarnessWithSink(2*time.Minute, sink)
		defer h.close()

		q := createQueue(h, "Ten Deep", 20)

		partyIDs := make([]string, 10)
		for i := 0; i < 10; i++ {
			p, status := joinQueue(h, q.Code, fmt.Sprintf("Guest %d", i), 1)
			Expect(status).To(Equal(201))
			partyIDs[i] = p.PartyID
		}

		served := ""
		for i := 0; i < 5; i++ {
			_, status := advance(h, q.Code, q.HostAuthToken, served, "")
			Expect(status).To(Equal(200))
			served = partyIDs[i]
		}
		_, status := advance(h, q.Code, q.HostAuthToken, served, "")
		Expect(status).To(Equal(200))

		for _, id := range partyIDs {
			Expect(sink.countNotify(id, "pos_5")).To(BeNumerically("<=", 1), "party %s got more than one pos_5", id)
			Expect(sink.countNotify(id, "pos_2")).To(BeNumerically("<=", 1), "party %s got more than one pos_2", id)
		}
	})
})
