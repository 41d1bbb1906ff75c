package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
)

// Metrics
var (
	totalRequests uint64
	committed     uint64 // transitions applied
	replays       uint64 // idempotent no-ops
	conflicts     uint64 // lost races (409)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	client := &http.Client{Timeout: 5 * time.Second}

	// Hotspot mode races every worker on a single pending request, which is
	// the worst case for the status compare-and-set.
	var hotspotID string
	if workload == "hotspot" {
		id, err := submitDeposit(client, "user-0001")
		if err != nil {
			log.Fatalf("hotspot setup failed: %v", err)
		}
		hotspotID = id
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, client, start, hotspotID)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, client *http.Client, start time.Time, hotspotID string) {
	defer wg.Done()

	for time.Since(start) < duration {
		requestID := hotspotID
		if workload != "hotspot" {
			userID := fmt.Sprintf("user-%04d", rand.Intn(1000)+1)
			id, err := submitDeposit(client, userID)
			if err != nil {
				atomic.AddUint64(&failOther, 1)
				continue
			}
			requestID = id
		}

		status, err := approve(client, requestID)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch status {
		case 200:
			// The engine answers 200 both for a fresh commit and for an
			// idempotent replay; a replay is any approval after the first.
			if workload == "hotspot" && atomic.LoadUint64(&committed) > 0 {
				atomic.AddUint64(&replays, 1)
			} else {
				atomic.AddUint64(&committed, 1)
			}
		case 409:
			atomic.AddUint64(&conflicts, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func submitDeposit(client *http.Client, userID string) (string, error) {
	payload := map[string]interface{}{
		"kind":     "deposit",
		"user_id":  userID,
		"currency": "USDT",
		"amount":   "100",
	}
	body, _ := json.Marshal(payload)

	resp, err := client.Post(targetURL+"/api/v1/requests", "application/json", bytes.NewBuffer(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 201 {
		return "", fmt.Errorf("submit returned %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", err
	}
	return envelope.Data.ID, nil
}

func approve(client *http.Client, requestID string) (int, error) {
	body, _ := json.Marshal(map[string]interface{}{
		"target_status": "approved",
	})

	req, _ := http.NewRequest("POST", targetURL+"/api/v1/requests/"+requestID+"/transition", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reviewer-ID", "bench-reviewer")
	req.Header.Set("X-Reviewer-Role", "reviewer")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	ok := atomic.LoadUint64(&committed)
	rep := atomic.LoadUint64(&replays)
	conf := atomic.LoadUint64(&conflicts)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(conf) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":          workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"committed":         ok,
		"idempotent_replay": rep,
		"conflicts":         conf,
		"conflict_rate_pct": conflictRate,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
