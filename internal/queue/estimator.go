package queue

import (
	"fmt"
	"math"
	"time"
)

// EstimateWait is the wait for a patient joining behind ahead visits. A
// doctor without a usable average falls back to fallbackMinutes.
func EstimateWait(ahead, avgConsultationMinutes, fallbackMinutes int) int {
	if ahead <= 0 {
		return 0
	}
	minutes := avgConsultationMinutes
	if minutes <= 0 {
		minutes = fallbackMinutes
	}
	return ahead * minutes
}

// ConsultationDuration rounds end-start to the nearest whole minute, never below zero.
func ConsultationDuration(start, end time.Time) int {
	minutes := math.Round(end.Sub(start).Minutes())
	if minutes < 0 {
		return 0
	}
	return int(minutes)
}

func FormatTokenNumber(prefix string, seq, pad int) string {
	return fmt.Sprintf("%s-%0*d", prefix, pad, seq)
}
