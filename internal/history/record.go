package history

import "time"

// FireRecord is one issued refresh.
type FireRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	FiredAt       time.Time `gorm:"not null;index" json:"fired_at"`
	ChangedAt     time.Time `gorm:"not null" json:"changed_at"`
	WaitedMs      int64     `gorm:"not null;default:0" json:"waited_ms"`
	QuietPeriodMs int64     `gorm:"not null" json:"quiet_period_ms"`
	ChangePercent float64   `gorm:"not null;default:0" json:"change_percent"`
	Dispatcher    string    `gorm:"not null" json:"dispatcher"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Summary aggregates records over a period.
type Summary struct {
	Fires       int64   `json:"fires"`
	Failures    int64   `json:"failures"`
	AvgWaitedMs float64 `json:"avg_waited_ms"`
}
