package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	httpserver "github.com/iago/pdfqueue-back/internal/http"
	"github.com/iago/pdfqueue-back/internal/http/handlers"
	"github.com/iago/pdfqueue-back/internal/reference"
	"github.com/iago/pdfqueue-back/internal/repository"
	"github.com/iago/pdfqueue-back/internal/service"
	"github.com/iago/pdfqueue-back/internal/storage"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type invariantResult struct {
	JobsClaimed       int `json:"jobs_claimed"`
	DoubleClaims      int `json:"double_claims"`
	CountMismatches   int `json:"questions_count_mismatches"`
	StoredQuestions   int `json:"stored_questions"`
	DuplicatesSkipped int `json:"duplicates_skipped"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Store          string           `json:"store"`
	Results        []scenarioResult `json:"results"`
	Invariants     invariantResult  `json:"invariants"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	store  repository.Store
	cancel func()
}

func main() {
	uploadsTotal := flag.Int("uploads-total", 200, "total PDF uploads")
	uploadsConcurrency := flag.Int("uploads-concurrency", 16, "concurrency for uploads")
	workers := flag.Int("workers", 24, "concurrent polling workers")
	statusTotal := flag.Int("status-total", 300, "total job status reads")
	statusConcurrency := flag.Int("status-concurrency", 20, "concurrency for status reads")
	storeDriver := flag.String("store", "memory", "store driver: memory or sqlite")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env, err := startBenchmarkEnvironment(*storeDriver)
	if err != nil {
		log.Fatalf("failed to start local benchmark environment: %v", err)
	}
	defer env.cancel()

	client := &http.Client{Timeout: 10 * time.Second}

	var (
		jobIDsMu sync.Mutex
		jobIDs   = make([]string, 0, *uploadsTotal)
	)
	uploadsScenario := runScenario("uploads", *uploadsTotal, *uploadsConcurrency, func(index int) error {
		jobID, err := uploadPDF(client, env.server.URL, fmt.Sprintf("exam-%d.pdf", index))
		if err != nil {
			return err
		}
		jobIDsMu.Lock()
		jobIDs = append(jobIDs, jobID)
		jobIDsMu.Unlock()
		return nil
	})

	var (
		claimsMu sync.Mutex
		claims   = make(map[string]int)
	)
	// Each poll that wins a job immediately reports results for it, so a
	// poll's latency covers claim plus ingest.
	pollScenario := runScenario("poll_and_report", *uploadsTotal+*workers, *workers, func(index int) error {
		workerID := fmt.Sprintf("W%d", index%*workers)
		body, err := doJSON(client, http.MethodPost, env.server.URL+"/v1/worker/poll", nil, map[string]string{"X-Worker-Id": workerID}, http.StatusOK)
		if err != nil {
			return err
		}
		jobID, _ := body["job_id"].(string)
		if jobID == "" {
			return nil
		}
		claimsMu.Lock()
		claims[jobID]++
		claimsMu.Unlock()

		_, err = doJSON(client, http.MethodPost, env.server.URL+"/v1/worker/results", resultsPayload(jobID, index), nil, http.StatusOK)
		return err
	})

	statusScenario := runScenario("job_status", *statusTotal, *statusConcurrency, func(index int) error {
		jobIDsMu.Lock()
		if len(jobIDs) == 0 {
			jobIDsMu.Unlock()
			return fmt.Errorf("no jobs uploaded")
		}
		jobID := jobIDs[index%len(jobIDs)]
		jobIDsMu.Unlock()
		_, err := doJSON(client, http.MethodGet, env.server.URL+"/v1/jobs/"+jobID, nil, nil, http.StatusOK)
		return err
	})

	invariants := checkInvariants(env.store, claims)

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Store:          *storeDriver,
		Results:        []scenarioResult{uploadsScenario, pollScenario, statusScenario},
		Invariants:     invariants,
		SLOEvaluation: map[string]bool{
			"poll_and_report_p95_le_500ms": pollScenario.P95MS <= 500,
			"job_status_p95_le_100ms":      statusScenario.P95MS <= 100,
			"no_double_claims":             invariants.DoubleClaims == 0,
			"questions_count_matches_rows": invariants.CountMismatches == 0,
		},
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("failed to marshal benchmark report: %v", err)
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(driver string) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.New(io.Discard, "", 0)

	dir, err := os.MkdirTemp("", "pdfqueue-load-*")
	if err != nil {
		cancel()
		return nil, err
	}

	var store repository.Store
	switch driver {
	case "sqlite":
		store, err = repository.NewSQLiteStore(ctx, filepath.Join(dir, "load.db"))
		if err != nil {
			cancel()
			return nil, err
		}
	default:
		store = repository.NewMemoryStore()
	}

	uploads, err := storage.NewLocalStorage(filepath.Join(dir, "uploads"), 0)
	if err != nil {
		cancel()
		return nil, err
	}
	mirror, _ := reference.NewMirror(ctx, reference.Config{Timeout: time.Second})
	validator, err := service.NewPayloadValidator()
	if err != nil {
		cancel()
		return nil, err
	}

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:      service.NewJobsService(store, logger),
		Ingest:    service.NewIngestService(store, store, logger),
		Presence:  service.NewPresenceService(store),
		Export:    service.NewExportService(store, 0, logger),
		Validator: validator,
		Storage:   uploads,
		Reference: mirror,
		Logger:    logger,
	})
	router := httpserver.NewRouter(httpserver.RouterDependencies{
		Ctx:            ctx,
		API:            api,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	server := httptest.NewServer(router)
	return &benchmarkEnv{
		server: server,
		store:  store,
		cancel: func() {
			server.Close()
			cancel()
			_ = store.Close()
			_ = os.RemoveAll(dir)
		},
	}, nil
}

// resultsPayload mixes a question shared by every job with ones unique to
// the job, so duplicate suppression is exercised across concurrent reports.
func resultsPayload(jobID string, index int) map[string]any {
	return map[string]any{
		"job_id": jobID,
		"questions": []map[string]any{
			{"question": "What is 2+2?", "answer": "4"},
			{"question": fmt.Sprintf("Unique question %s", jobID), "answer": fmt.Sprintf("%d", index)},
			{"question": fmt.Sprintf(" unique QUESTION %s ", jobID), "answer": fmt.Sprintf("%d", index)},
		},
		"mmd_content": "# load test",
	}
}

func checkInvariants(store repository.Store, claims map[string]int) invariantResult {
	ctx := context.Background()
	result := invariantResult{JobsClaimed: len(claims)}
	for _, count := range claims {
		if count > 1 {
			result.DoubleClaims++
		}
	}

	jobs, err := store.ListJobs(ctx)
	if err != nil {
		log.Printf("list jobs failed: %v", err)
		return result
	}
	for _, job := range jobs {
		count, err := store.CountQuestions(ctx, job.ID)
		if err != nil {
			log.Printf("count questions failed job_id=%s: %v", job.ID, err)
			continue
		}
		result.StoredQuestions += count
		if job.Status.Terminal() && job.QuestionsCount != count {
			result.CountMismatches++
		}
	}
	result.DuplicatesSkipped = len(claims)*3 - result.StoredQuestions
	return result
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func uploadPDF(client *http.Client, baseURL, filename string) (string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 load test"))
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/uploads", &buffer)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", writer.FormDataContentType())

	body, err := execute(client, request, http.StatusAccepted)
	if err != nil {
		return "", err
	}
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		return "", fmt.Errorf("upload response without job_id")
	}
	return jobID, nil
}

func doJSON(
	client *http.Client,
	method string,
	url string,
	payload any,
	headers map[string]string,
	expectedStatus int,
) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	return execute(client, request, expectedStatus)
}

func execute(client *http.Client, request *http.Request, expectedStatus int) (map[string]any, error) {
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if response.StatusCode != expectedStatus {
		if len(raw) > 1024 {
			raw = raw[:1024]
		}
		return nil, fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(raw))
	}

	decoded := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return decoded, nil
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
