package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/embedplan/embedplan/internal/core/port"
	"go.uber.org/zap"
)

type monitoringService struct {
	prometheusURL string
	hostInstance  string
	client        *http.Client
	log           *zap.Logger
}

// NewMonitoringService creates the Prometheus client that reports oracle-host
// utilization for the heartbeat log.
func NewMonitoringService(promURL, hostInstance string, log *zap.Logger) port.MonitoringService {
	return &monitoringService{
		prometheusURL: promURL,
		hostInstance:  hostInstance,
		client:        &http.Client{Timeout: 5 * time.Second},
		log:           log,
	}
}

// Prometheus API response structure
type prometheusResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string `json:"resultType"`
		Result     []struct {
			Metric map[string]string `json:"metric"`
			Value  interface{}       `json:"value"`
		} `json:"result"`
	} `json:"data"`
	Error     string `json:"error"`
	ErrorType string `json:"errorType"`
}

// GetHostMetrics returns CPU percent and used memory in MB for the oracle
// host. Query failures fall back to fixed values so the heartbeat keeps
// logging when Prometheus is down.
func (s *monitoringService) GetHostMetrics(ctx context.Context) (float64, float64, error) {
	cpuQuery := fmt.Sprintf(`100 - (avg by (instance) (rate(node_cpu_seconds_total{mode="idle",instance="%s"}[1m])) * 100)`, s.hostInstance)

	cpuUsage, err := s.queryPrometheus(ctx, cpuQuery)
	if err != nil {
		s.log.Warn("CPU query failed, using simulated metrics",
			zap.String("instance", s.hostInstance),
			zap.Error(err))
		return 50.0, 2048.0, nil // Fallback: 50% CPU, 2GB RAM
	}

	memQuery := fmt.Sprintf(`node_memory_MemTotal_bytes{instance="%s"} - node_memory_MemAvailable_bytes{instance="%s"}`, s.hostInstance, s.hostInstance)

	memUsage, err := s.queryPrometheus(ctx, memQuery)
	if err != nil {
		s.log.Warn("Memory query failed, using partial fallback",
			zap.String("instance", s.hostInstance),
			zap.Error(err))
		return cpuUsage, 2048.0, nil // Partial fallback
	}

	return cpuUsage, memUsage / 1024 / 1024, nil // Convert bytes to MB
}

func (s *monitoringService) queryPrometheus(ctx context.Context, query string) (float64, error) {
	escapedQuery := url.QueryEscape(query)
	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.prometheusURL, escapedQuery)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("prometheus returned status %d: %s", resp.StatusCode, string(body))
	}

	var result prometheusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("JSON decode failed: %w", err)
	}

	if result.Status != "success" {
		return 0, fmt.Errorf("prometheus error: %s (%s)", result.Error, result.ErrorType)
	}

	if len(result.Data.Result) == 0 {
		return 0, fmt.Errorf("no data returned for query: %s", query)
	}

	// Parse value - handle BOTH formats
	value := result.Data.Result[0].Value

	switch v := value.(type) {
	case []interface{}:
		// Standard format: [timestamp, "value"]
		if len(v) < 2 {
			return 0, fmt.Errorf("unexpected value array length: %d", len(v))
		}

		switch valRaw := v[1].(type) {
		case string:
			return strconv.ParseFloat(valRaw, 64)
		case float64:
			return valRaw, nil
		default:
			return 0, fmt.Errorf("unexpected value type in array: %T", valRaw)
		}

	case float64:
		return v, nil

	case string:
		return strconv.ParseFloat(v, 64)

	default:
		return 0, fmt.Errorf("unexpected value format: %T (%v)", value, value)
	}
}
