// Package main provides a fake LLM provider for testing the proxy. It serves
// a completion endpoint with injectable failure modes: arbitrary status
// codes, random failures, added latency, and periodic rate limiting.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "mockllm", "provider name reported in responses")
	failRate := flag.Float64("fail-rate", 0, "probability [0,1] of responding 500")
	latency := flag.Duration("latency", 0, "added delay before every response")
	rateLimitEvery := flag.Int("rate-limit-every", 0, "respond 429 to every Nth request (0 disables)")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	var requests atomic.Int64

	// /__status/{code} returns an arbitrary HTTP status code. Useful for
	// exercising the classifier, retries, and breaker transitions.
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"provider":       *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/v1/complete", func(w http.ResponseWriter, r *http.Request) {
		if *latency > 0 {
			select {
			case <-time.After(*latency):
			case <-r.Context().Done():
				return
			}
		}

		n := requests.Add(1)
		w.Header().Set("Content-Type", "application/json")

		if *rateLimitEvery > 0 && n%int64(*rateLimitEvery) == 0 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"error": "rate limited"})
			return
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"error": "injected failure"})
			return
		}

		var req struct {
			Prompt string `json:"prompt"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req) //nolint:errcheck

		json.NewEncoder(w).Encode(map[string]any{
			"provider":   *name,
			"completion": "echo: " + req.Prompt,
			"request":    n,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate=%.2f latency=%s)", *name, addr, *failRate, *latency)
	log.Fatal(http.ListenAndServe(addr, nil))
}
