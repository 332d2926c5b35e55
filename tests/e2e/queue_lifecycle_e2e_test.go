package e2e

import (
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Create, join, and serve", func() {
	It("advances the head of line and reflects it in the snapshot", func() {
		h := newHarness(2 * time.Minute)
		defer h.close()

		q := createQueue(h, "Taco Night", 3)

		a, status := joinQueue(h, q.Code, "Guest A", 2)
		Expect(status).To(Equal(http.StatusCreated))
		Expect(a.PartyID).NotTo(BeEmpty())
		Expect(a.Snapshot["waiting"]).To(HaveLen(1))

		b, status := joinQueue(h, q.Code, "Guest B", 1)
		Expect(status).To(Equal(http.StatusCreated))
		waitingAfterB, _ := b.Snapshot["waiting"].([]any)
		Expect(waitingAfterB).To(HaveLen(2))

		snap, status := advance(h, q.Code, q.HostAuthToken, "", "")
		Expect(status).To(Equal(http.StatusOK))
		nowServing, _ := snap["nowServing"].(map[string]any)
		Expect(nowServing).NotTo(BeNil())
		Expect(nowServing["id"]).To(Equal(a.PartyID))

		snap, status = advance(h, q.Code, q.HostAuthToken, a.PartyID, "")
		Expect(status).To(Equal(http.StatusOK))
		nowServing, _ = snap["nowServing"].(map[string]any)
		Expect(nowServing["id"]).To(Equal(b.PartyID))
		waiting, _ := snap["waiting"].([]any)
		Expect(waiting).To(BeEmpty())
	})
})

var _ = Describe("Capacity enforcement", func() {
	It("rejects a join once the queue is full", func() {
		h := newHarness(2 * time.Minute)
		defer h.close()

		q := createQueue(h, "Single Slot", 1)

		_, status := joinQueue(h, q.Code, "Guest A", 1)
		Expect(status).To(Equal(http.StatusCreated))

		resp := doJSON(http.MethodPost, h.url("/api/queue/"+q.Code+"/join"), map[string]any{
			"name": "Guest B",
			"size": 1,
		}, "")
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		Expect(errCode(resp)).To(Equal("queue_full"))
	})
})
