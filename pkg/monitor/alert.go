// Package monitor 监听活动事件，对新发现发出告警
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"chaosfuzz/pkg/campaign"
	"chaosfuzz/pkg/config"
	"chaosfuzz/pkg/fuzzer"
)

const (
	maxAlertHistory  = 10000
	keepAlertHistory = 5000
)

// AlertOptions 告警管理器参数
type AlertOptions struct {
	WebhookURL  string
	Throttle    time.Duration
	MinSeverity fuzzer.Severity
	Client      *http.Client
	Logger      *log.Logger
	Clock       func() time.Time
}

// AlertManager 告警管理器
type AlertManager struct {
	webhookURL  string
	throttle    time.Duration
	minSeverity fuzzer.Severity
	client      *http.Client
	logger      *log.Logger
	now         func() time.Time

	mu            sync.Mutex
	alertHistory  []AlertRecord
	alertThrottle map[string]time.Time // 用于限流
	wg            sync.WaitGroup
}

// AlertRecord 告警记录
type AlertRecord struct {
	Timestamp   time.Time      `json:"timestamp"`
	CampaignID  string         `json:"campaign_id"`
	ProgramID   string         `json:"program_id"`
	Finding     fuzzer.Finding `json:"finding"`
	AlertMethod string         `json:"alert_method"` // log, webhook
	Success     bool           `json:"success"`
}

// WebhookPayload Webhook负载
type WebhookPayload struct {
	Type       string  `json:"type"`
	Severity   string  `json:"severity"`
	Timestamp  int64   `json:"timestamp"`
	Campaign   string  `json:"campaign"`
	Program    string  `json:"program"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Location   string  `json:"location"`
	Iteration  int     `json:"iteration"`
	Input      string  `json:"input"`
	Evidence   string  `json:"evidence"`
	Diagnostic string  `json:"diagnostic,omitempty"`
}

// NewAlertManager 创建告警管理器
func NewAlertManager(opts AlertOptions) *AlertManager {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &AlertManager{
		webhookURL:    opts.WebhookURL,
		throttle:      opts.Throttle,
		minSeverity:   opts.MinSeverity,
		client:        opts.Client,
		logger:        opts.Logger,
		now:           opts.Clock,
		alertHistory:  make([]AlertRecord, 0),
		alertThrottle: make(map[string]time.Time),
	}
}

// NewAlertManagerFromConfig 按活动配置创建告警管理器
func NewAlertManagerFromConfig(cfg config.AlertConfig, logger *log.Logger) (*AlertManager, error) {
	throttle, err := cfg.ThrottleDuration()
	if err != nil {
		return nil, fmt.Errorf("%w: alerts.throttle: %v", config.ErrInvalidConfig, err)
	}
	severity, err := cfg.Severity()
	if err != nil {
		return nil, fmt.Errorf("%w: alerts.min_severity: %v", config.ErrInvalidConfig, err)
	}
	return NewAlertManager(AlertOptions{
		WebhookURL:  cfg.WebhookURL,
		Throttle:    throttle,
		MinSeverity: severity,
		Logger:      logger,
	}), nil
}

// SendAlert 发送告警，返回是否发出（低于最低严重性或被限流时返回false）
func (a *AlertManager) SendAlert(campaignID, programID string, finding fuzzer.Finding) bool {
	if finding.Severity < a.minSeverity {
		return false
	}

	// 检查是否需要限流
	throttleKey := fmt.Sprintf("%s:%s:%s", programID, finding.Category, finding.Location)
	now := a.now()
	a.mu.Lock()
	if lastAlert, exists := a.alertThrottle[throttleKey]; exists && a.throttle > 0 {
		if now.Sub(lastAlert) < a.throttle {
			a.mu.Unlock()
			a.logger.Printf("[Alert] throttled for %s", throttleKey)
			return false
		}
	}
	a.alertThrottle[throttleKey] = now
	a.mu.Unlock()

	a.logger.Printf("🚨 [Alert] %s finding in %s: %s (confidence %.2f) at %s, iteration %d",
		finding.Severity, programID, finding.Category, finding.Confidence, finding.Location, finding.Iteration)
	a.recordAlert(campaignID, programID, finding, "log", true)

	// 发送Webhook告警
	if a.webhookURL != "" {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.sendWebhookAlert(campaignID, programID, finding)
		}()
	}
	return true
}

// sendWebhookAlert 发送Webhook告警
func (a *AlertManager) sendWebhookAlert(campaignID, programID string, finding fuzzer.Finding) {
	payload := WebhookPayload{
		Type:       "VULNERABILITY_FINDING",
		Severity:   finding.Severity.String(),
		Timestamp:  a.now().Unix(),
		Campaign:   campaignID,
		Program:    programID,
		Category:   string(finding.Category),
		Confidence: finding.Confidence,
		Location:   finding.Location,
		Iteration:  finding.Iteration,
		Input:      finding.InputID.Hex(),
		Evidence:   finding.EvidenceRef.Hex(),
		Diagnostic: finding.Diagnostic,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		a.logger.Printf("Failed to marshal webhook payload: %v", err)
		a.recordAlert(campaignID, programID, finding, "webhook", false)
		return
	}

	resp, err := a.client.Post(a.webhookURL, "application/json", bytes.NewReader(jsonData))
	if err != nil {
		a.logger.Printf("Failed to send webhook alert: %v", err)
		a.recordAlert(campaignID, programID, finding, "webhook", false)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Printf("Webhook returned non-OK status: %d", resp.StatusCode)
		a.recordAlert(campaignID, programID, finding, "webhook", false)
		return
	}

	a.recordAlert(campaignID, programID, finding, "webhook", true)
}

// Wait 等待所有进行中的 webhook 请求结束
func (a *AlertManager) Wait() {
	a.wg.Wait()
}

// Watch 订阅活动事件并对每个新发现告警
// 订阅在返回前完成；活动终止、订阅出错或 ctx 取消时结束，结果写入返回的通道
func (a *AlertManager) Watch(ctx context.Context, orch *campaign.Orchestrator) <-chan error {
	events := make(chan campaign.IterationSummary, 16)
	sub := orch.Subscribe(events)
	done := make(chan error, 1)
	programID := orch.Target().ProgramID

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case summary := <-events:
				if summary.Finding != nil {
					a.SendAlert(orch.ID().String(), programID, *summary.Finding)
				}
				if summary.Terminated {
					done <- nil
					return
				}
			case err := <-sub.Err():
				done <- err
				return
			case <-ctx.Done():
				done <- ctx.Err()
				return
			}
		}
	}()
	return done
}

// recordAlert 记录告警
func (a *AlertManager) recordAlert(campaignID, programID string, finding fuzzer.Finding, method string, success bool) {
	record := AlertRecord{
		Timestamp:   a.now(),
		CampaignID:  campaignID,
		ProgramID:   programID,
		Finding:     finding,
		AlertMethod: method,
		Success:     success,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.alertHistory = append(a.alertHistory, record)

	// 保持历史记录在合理范围内
	if len(a.alertHistory) > maxAlertHistory {
		a.alertHistory = append([]AlertRecord(nil), a.alertHistory[len(a.alertHistory)-keepAlertHistory:]...)
	}
}

// GetAlertHistory 获取最近的告警历史，limit<=0 返回全部
func (a *AlertManager) GetAlertHistory(limit int) []AlertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(a.alertHistory) {
		start = len(a.alertHistory) - limit
	}
	return append([]AlertRecord(nil), a.alertHistory[start:]...)
}

// AlertStatistics 告警统计
type AlertStatistics struct {
	TotalAlerts      int            `json:"total_alerts"`
	SuccessfulAlerts int            `json:"successful_alerts"`
	FailedAlerts     int            `json:"failed_alerts"`
	AlertsByProgram  map[string]int `json:"alerts_by_program"`
	AlertsByCategory map[string]int `json:"alerts_by_category"`
	LastAlertTime    time.Time      `json:"last_alert_time"`
}

// GetStatistics 获取告警统计
func (a *AlertManager) GetStatistics() *AlertStatistics {
	stats := &AlertStatistics{
		AlertsByProgram:  make(map[string]int),
		AlertsByCategory: make(map[string]int),
	}

	for _, record := range a.GetAlertHistory(0) {
		stats.TotalAlerts++

		if record.Success {
			stats.SuccessfulAlerts++
		} else {
			stats.FailedAlerts++
		}

		// 分组计数只统计日志记录
		if record.AlertMethod == "log" {
			stats.AlertsByProgram[record.ProgramID]++
			stats.AlertsByCategory[string(record.Finding.Category)]++
		}

		if record.Timestamp.After(stats.LastAlertTime) {
			stats.LastAlertTime = record.Timestamp
		}
	}

	return stats
}
