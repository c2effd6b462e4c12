// File: internal/models/types.go
package models

// ReportRequest is the body of POST /create-report.
// OrthancPatientID is required but not linked to the created object yet.
type ReportRequest struct {
	OrthancPatientID string `json:"orthancPatientId" binding:"required"`
	ReportText       string `json:"reportText" binding:"required"`
	PatientName      string `json:"patientName" binding:"required"`
	PatientID        string `json:"patientId" binding:"required"`
}

// Missing lists the JSON names of empty fields, in declaration order.
func (r ReportRequest) Missing() []string {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"orthancPatientId", r.OrthancPatientID},
		{"reportText", r.ReportText},
		{"patientName", r.PatientName},
		{"patientId", r.PatientID},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// StudySummary is one row of GET /api/studies.
type StudySummary struct {
	ID               string `json:"id"`
	StudyInstanceUID string `json:"studyInstanceUid"`
	PatientID        string `json:"patientId"`
	PatientName      string `json:"patientName"`
	OrthancPatientID string `json:"orthancPatientId"`
	Type             string `json:"type"`
	Date             string `json:"date"`
	Modality         string `json:"modality"`
	HasPDFReport     bool   `json:"hasPdfReport"`
}

// ReportInstance is one row of GET /api/study/:studyId/reports.
type ReportInstance struct {
	ID   string `json:"id"`
	Date string `json:"date"`
	Time string `json:"time"`
}
