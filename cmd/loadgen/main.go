// Load generator for testing Kestrel against labeled session traces.
//
// Usage:
//   go run cmd/loadgen/main.go -csv /path/to/sessions.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled activity events (with attack labels)
//   2. Sends each event to Kestrel for assessment
//   3. Compares Kestrel's action (allow vs anything stronger) with actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header required, order free):
//   timestamp,user_id,session_id,device_id,ip,user_agent,geo,roles,
//   endpoint,method,status_code,latency_ms,bytes_in,bytes_out,service,is_attack
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// SessionEvent represents a row from the labeled trace
type SessionEvent struct {
	Timestamp  time.Time
	UserID     string
	SessionID  string
	DeviceID   string
	IP         string
	UserAgent  string
	Geo        string
	Roles      []string
	Endpoint   string
	Method     string
	StatusCode int
	LatencyMs  float64
	BytesIn    int64
	BytesOut   int64
	Service    string
	IsAttack   bool
}

// AssessRequest is the Kestrel API request format
type AssessRequest struct {
	Identity Identity `json:"identity"`
	Event    Event    `json:"event"`
}

type Identity struct {
	UserID    string    `json:"userId"`
	DeviceID  string    `json:"deviceId"`
	IP        string    `json:"ip"`
	Geo       string    `json:"geo,omitempty"`
	UserAgent string    `json:"userAgent"`
	SessionID string    `json:"sessionId,omitempty"`
	Roles     []string  `json:"roles"`
	Timestamp time.Time `json:"timestamp"`
}

type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"statusCode"`
	LatencyMs  float64   `json:"latencyMs"`
	BytesIn    int64     `json:"bytesIn"`
	BytesOut   int64     `json:"bytesOut"`
	Service    string    `json:"service"`
}

// AssessResponse is the Kestrel API response format
type AssessResponse struct {
	ID         string  `json:"id"`
	TotalScore float64 `json:"totalScore"`
	Action     string  `json:"action"` // allow, warn, force_logout, freeze
}

// Metrics tracks run results
type Metrics struct {
	TruePositives  int64 // Attack flagged (warn or stronger)
	FalsePositives int64 // Benign flagged
	TrueNegatives  int64 // Benign allowed
	FalseNegatives int64 // Attack allowed (missed!)

	TotalProcessed int64
	TotalAttack    int64
	TotalBenign    int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled session trace CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	limit := flag.Int("limit", 10000, "Maximum events to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	attackOnly := flag.Bool("attack-only", false, "Only replay attack events")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for benign events (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each event result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: loadgen -csv /path/to/sessions.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL LOADGEN - Labeled Session Replay             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Attack Only: %v\n", *attackOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  cd kestrel && go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read trace data
	fmt.Printf("\nReading session trace from %s...\n", *csvPath)
	events, err := readTraceCSV(*csvPath, *limit, *attackOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d events\n", len(events))

	// Count attack vs benign
	attackCount := 0
	for _, ev := range events {
		if ev.IsAttack {
			attackCount++
		}
	}
	fmt.Printf("  - Attack: %d (%.2f%%)\n", attackCount, 100*float64(attackCount)/float64(len(events)))
	fmt.Printf("  - Benign: %d (%.2f%%)\n", len(events)-attackCount, 100*float64(len(events)-attackCount)/float64(len(events)))

	// Run replay
	fmt.Printf("\nRunning replay with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runReplay(events, *baseURL, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readTraceCSV(path string, limit int, attackOnly bool, sampleRate float64) ([]SessionEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	get := func(record []string, col string) string {
		i, ok := colIndex[col]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var events []SessionEvent
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isAttack := get(record, "is_attack") == "1"

		// Apply filters
		if attackOnly && !isAttack {
			continue
		}

		// Sample benign events
		if !isAttack && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		ts, err := time.Parse(time.RFC3339, get(record, "timestamp"))
		if err != nil {
			continue
		}
		statusCode, _ := strconv.Atoi(get(record, "status_code"))
		latencyMs, _ := strconv.ParseFloat(get(record, "latency_ms"), 64)
		bytesIn, _ := strconv.ParseInt(get(record, "bytes_in"), 10, 64)
		bytesOut, _ := strconv.ParseInt(get(record, "bytes_out"), 10, 64)

		var roles []string
		if raw := get(record, "roles"); raw != "" {
			roles = strings.Split(raw, ";")
		}

		ev := SessionEvent{
			Timestamp:  ts,
			UserID:     get(record, "user_id"),
			SessionID:  get(record, "session_id"),
			DeviceID:   get(record, "device_id"),
			IP:         get(record, "ip"),
			UserAgent:  get(record, "user_agent"),
			Geo:        get(record, "geo"),
			Roles:      roles,
			Endpoint:   get(record, "endpoint"),
			Method:     get(record, "method"),
			StatusCode: statusCode,
			LatencyMs:  latencyMs,
			BytesIn:    bytesIn,
			BytesOut:   bytesOut,
			Service:    get(record, "service"),
			IsAttack:   isAttack,
		}

		events = append(events, ev)

		if limit > 0 && len(events) >= limit {
			break
		}
	}

	return events, nil
}

func runReplay(events []SessionEvent, baseURL string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan SessionEvent, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for ev := range work {
				start := time.Now()
				result, err := assessEvent(client, baseURL, ev)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", ev.UserID, err)
					}
					continue
				}

				// Track actual labels
				if ev.IsAttack {
					atomic.AddInt64(&metrics.TotalAttack, 1)
				} else {
					atomic.AddInt64(&metrics.TotalBenign, 1)
				}

				// Calculate confusion matrix
				predicted := result.Action != "allow"
				actual := ev.IsAttack

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					name := ev.UserID
					if len(name) > 12 {
						name = name[:12]
					}
					fmt.Printf("%s %-12s | %-6s %-30s | Attack: %-5v | Kestrel: %-12s (%.2f)\n",
						status,
						name,
						ev.Method,
						ev.Endpoint,
						ev.IsAttack,
						result.Action,
						result.TotalScore,
					)
				}
			}
		}()
	}

	// Send work
	for _, ev := range events {
		work <- ev
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func assessEvent(client *http.Client, baseURL string, ev SessionEvent) (*AssessResponse, error) {
	// Build request matching Kestrel's expected format
	req := AssessRequest{
		Identity: Identity{
			UserID:    ev.UserID,
			DeviceID:  ev.DeviceID,
			IP:        ev.IP,
			Geo:       ev.Geo,
			UserAgent: ev.UserAgent,
			SessionID: ev.SessionID,
			Roles:     ev.Roles,
			Timestamp: ev.Timestamp,
		},
		Event: Event{
			Timestamp:  ev.Timestamp,
			Endpoint:   ev.Endpoint,
			Method:     ev.Method,
			StatusCode: ev.StatusCode,
			LatencyMs:  ev.LatencyMs,
			BytesIn:    ev.BytesIn,
			BytesOut:   ev.BytesOut,
			Service:    ev.Service,
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/assess", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result AssessResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        REPLAY RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Attack:     %d\n", m.TotalAttack)
	fmt.Printf("   Total Benign:     %d\n", m.TotalBenign)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  Flagged      Allowed")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  A  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           B  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged events, how many were actual attacks)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of attacks, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalAttack > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalAttack) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalAttack) * 100
		fmt.Printf("   Attacks Detected:  %d / %d (%.2f%%)\n", m.TruePositives, m.TotalAttack, detectionRate)
		fmt.Printf("   Attacks Missed:    %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalAttack, missRate)
	}
	if m.TotalBenign > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalBenign) * 100
		fmt.Printf("   False Alarms:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalBenign, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		eps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f events/sec\n", eps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most attacks")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some attacks")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant attacks being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most attacks are being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - flags are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false alarms")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false alarms")
	}

	fmt.Println()
}
