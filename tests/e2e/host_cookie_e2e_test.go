package e2e

import (
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Host-cookie forgery", func() {
	It("rejects a tampered MAC", func() {
		h := newHarness(2 * time.Minute)
		defer h.close()
		q := createQueue(h, "Forgery Test", 3)

		tampered := tamperLastChar(q.HostAuthToken)
		_, status := advance(h, q.Code, tampered, "", "")
		Expect(status).To(Equal(http.StatusForbidden))
	})

	It("rejects a token whose sessionId prefix belongs to another queue", func() {
		h := newHarness(2 * time.Minute)
		defer h.close()
		q1 := createQueue(h, "Queue One", 3)
		q2 := createQueue(h, "Queue Two", 3)

		_, macPart, _ := strings.Cut(q1.HostAuthToken, ".")
		forged := q2.SessionID + "." + macPart

		_, status := advance(h, q1.Code, forged, "", "")
		Expect(status).To(Equal(http.StatusForbidden))
	})
})

func tamperLastChar(token string) string {
	if token == "" {
		return token
	}
	b := []byte(token)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}
