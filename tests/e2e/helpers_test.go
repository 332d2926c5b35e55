package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/gomega"

	"github.com/rjsadow/waitline/internal/auth"
)

type createQueueResp struct {
	Code          string `json:"code"`
	SessionID     string `json:"sessionId"`
	HostAuthToken string `json:"hostAuthToken"`
}

type joinResp struct {
	PartyID    string             `json:"partyId"`
	PartyToken string             `json:"partyToken"`
	Snapshot   map[string]any     `json:"snapshot"`
}

func doJSON(method, url string, body any, hostToken string) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req, err := http.NewRequest(method, url, &buf)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if hostToken != "" {
		req.Header.Set(auth.HostAuthHeader, hostToken)
	}
	resp, err := httpClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

func decodeInto(resp *http.Response, v any) {
	defer resp.Body.Close()
	Expect(json.NewDecoder(resp.Body).Decode(v)).To(Succeed())
}

func createQueue(h *testHarness, eventName string, maxGuests int) createQueueResp {
	resp := doJSON(http.MethodPost, h.url("/api/queue/create"), map[string]any{
		"eventName": eventName,
		"maxGuests": maxGuests,
	}, "")
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))
	var out createQueueResp
	decodeInto(resp, &out)
	return out
}

func joinQueue(h *testHarness, code, name string, size int) (joinResp, int) {
	resp := doJSON(http.MethodPost, h.url(fmt.Sprintf("/api/queue/%s/join", code)), map[string]any{
		"name": name,
		"size": size,
	}, "")
	status := resp.StatusCode
	var out joinResp
	decodeInto(resp, &out)
	return out, status
}

func advance(h *testHarness, code, hostToken, servedParty, nextParty string) (map[string]any, int) {
	resp := doJSON(http.MethodPost, h.url(fmt.Sprintf("/api/queue/%s/advance", code)), map[string]any{
		"servedParty": servedParty,
		"nextParty":   nextParty,
	}, hostToken)
	status := resp.StatusCode
	var out map[string]any
	decodeInto(resp, &out)
	return out, status
}

func snapshot(h *testHarness, code, hostToken string) (map[string]any, int) {
	resp := doJSON(http.MethodGet, h.url(fmt.Sprintf("/api/queue/%s/snapshot", code)), nil, hostToken)
	status := resp.StatusCode
	var out map[string]any
	if status == http.StatusOK {
		decodeInto(resp, &out)
	} else {
		resp.Body.Close()
	}
	return out, status
}

func errCode(resp *http.Response) string {
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	return out["error"]
}
