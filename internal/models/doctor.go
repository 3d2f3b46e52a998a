package models

import "strings"

type Doctor struct {
	DoctorID               string `json:"doctor_id"`
	Name                   string `json:"name"`
	Department             string `json:"department"`
	AvgConsultationMinutes int    `json:"avg_consultation_minutes"`
	IsAvailable            bool   `json:"is_available"`
}

// TokenPrefix is the department initial used in token numbers ("Cardiology" -> "C").
func (d Doctor) TokenPrefix() string {
	dept := strings.TrimSpace(d.Department)
	if dept == "" {
		return "T"
	}
	return strings.ToUpper(string([]rune(dept)[0]))
}
