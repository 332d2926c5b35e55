package e2e

import (
	"net/http"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rjsadow/waitline/internal/store"
)

var _ = Describe("Concurrent exchange-token redemption", func() {
	It("lets exactly one of several parallel redeems succeed", func() {
		h := newHarness(2 * time.Minute)
		defer h.close()

		user := &store.User{ID: "u-e2e-exchange", Email: "exchange@example.test", Name: "Exchange User"}
		Expect(h.db.CreateUser(user)).To(Succeed())

		token, err := h.sessions.IssueExchangeToken(user.ID)
		Expect(err).NotTo(HaveOccurred())

		const attempts = 3
		statuses := make([]int, attempts)
		var wg sync.WaitGroup
		wg.Add(attempts)
		for i := 0; i < attempts; i++ {
			go func(i int) {
				defer wg.Done()
				resp := doJSON(http.MethodPost, h.url("/api/auth/exchange"), map[string]any{"token": token}, "")
				resp.Body.Close()
				statuses[i] = resp.StatusCode
			}(i)
		}
		wg.Wait()

		ok, unauthorized := 0, 0
		for _, s := range statuses {
			switch s {
			case http.StatusOK:
				ok++
			case http.StatusUnauthorized:
				unauthorized++
			}
		}
		Expect(ok).To(Equal(1))
		Expect(unauthorized).To(Equal(attempts - 1))
	})
})
