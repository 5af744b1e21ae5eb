package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

type providerState struct {
	mu        sync.Mutex
	providers map[string]string
}

func (s *providerState) snapshot() (string, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	overall := "ok"
	out := make(map[string]string, len(s.providers))
	down := 0
	for name, st := range s.providers {
		out[name] = st
		if st != "ok" {
			down++
		}
	}
	if down > 0 && down == len(s.providers) {
		overall = "outage"
	}
	return overall, out
}

func (s *providerState) toggle(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.providers[name]
	if !ok {
		return "", false
	}
	if st == "ok" {
		st = "outage"
	} else {
		st = "ok"
	}
	s.providers[name] = st
	return st, true
}

var sampleErrors = []string{
	"redis: dial tcp 127.0.0.1:6379: connect: connection refused",
	"pq: sorry, too many clients already",
	"upstream provider openai returned 503 Service Unavailable",
	"stream closed after exceeding max lifetime",
}

func main() {
	var (
		addr     string
		feedURL  string
		interval time.Duration
	)
	flag.StringVar(&addr, "addr", ":8080", "Listen address")
	flag.StringVar(&feedURL, "feed", "", "Engine /admin/errors URL to push sample error lines to")
	flag.DurationVar(&interval, "interval", 5*time.Second, "Error feed interval")
	flag.Parse()

	state := &providerState{providers: map[string]string{"openai": "ok", "anthropic": "ok", "local": "ok"}}
	logger := log.New(log.Writer(), "provider-mock ", log.LstdFlags|log.Lmicroseconds)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		overall, providers := state.snapshot()
		writeJSON(w, map[string]any{
			"status":     overall,
			"providers":  providers,
			"checked_at": time.Now().UTC(),
		})
	})

	mux.HandleFunc("/toggle/", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/toggle/")
		st, ok := state.toggle(name)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"provider": name, "status": st})
	})

	if feedURL != "" {
		go feedErrors(logger, feedURL, interval)
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func feedErrors(logger *log.Logger, url string, interval time.Duration) {
	client := &http.Client{Timeout: 5 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	i := 0
	for range ticker.C {
		line := sampleErrors[i%len(sampleErrors)]
		i++
		body, _ := json.Marshal(map[string]string{"error": line})
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Printf("feed error: %v", err)
			continue
		}
		resp.Body.Close()
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
