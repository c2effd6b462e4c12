// File: internal/orthanc/types.go
package orthanc

// StudyDetails holds selected information about a DICOM study from Orthanc.
// Field names match the JSON keys returned by Orthanc's REST API
// (expanded /tools/find results and /studies/{id}).
type StudyDetails struct {
	ID              string `json:"ID"`            // Orthanc's internal Study ID
	ParentPatient   string `json:"ParentPatient"` // Orthanc's internal Patient ID
	PatientMainTags struct {
		PatientName string `json:"PatientName,omitempty"`
		PatientID   string `json:"PatientID,omitempty"`
	} `json:"PatientMainDicomTags"`
	MainTags struct {
		StudyInstanceUID string `json:"StudyInstanceUID,omitempty"`
		StudyDate        string `json:"StudyDate,omitempty"`
		StudyTime        string `json:"StudyTime,omitempty"`
		StudyDescription string `json:"StudyDescription,omitempty"`
		AccessionNumber  string `json:"AccessionNumber,omitempty"`
		Modality         string `json:"Modality,omitempty"` // rarely set at study level
	} `json:"MainDicomTags"`
	Series     []string `json:"Series"`
	IsStable   bool     `json:"IsStable"`
	LastUpdate string   `json:"LastUpdate"`
	Type       string   `json:"Type"` // Should be "Study"
}

// SeriesDetails is one entry of /studies/{id}/series.
type SeriesDetails struct {
	ID          string `json:"ID"`
	ParentStudy string `json:"ParentStudy"`
	MainTags    struct {
		Modality          string `json:"Modality,omitempty"`
		SeriesDate        string `json:"SeriesDate,omitempty"`
		SeriesTime        string `json:"SeriesTime,omitempty"`
		SeriesInstanceUID string `json:"SeriesInstanceUID,omitempty"`
		SeriesNumber      string `json:"SeriesNumber,omitempty"`
	} `json:"MainDicomTags"`
	Instances []string `json:"Instances"` // Orthanc instance IDs
	Type      string   `json:"Type"`      // Should be "Series"
}

// UploadResult is Orthanc's acknowledgement of POST /instances.
type UploadResult struct {
	ID            string `json:"ID"`
	Path          string `json:"Path"`
	Status        string `json:"Status"` // "Success" or "AlreadyStored"
	ParentPatient string `json:"ParentPatient"`
	ParentStudy   string `json:"ParentStudy"`
	ParentSeries  string `json:"ParentSeries"`
}

// SystemInfo is the subset of GET /system used for diagnostics.
type SystemInfo struct {
	Name            string `json:"Name"`
	Version         string `json:"Version"`
	ApiVersion      int    `json:"ApiVersion"`
	DicomAet        string `json:"DicomAet"`
	DatabaseVersion int    `json:"DatabaseVersion"`
}

// findRequest is the body of POST /tools/find.
type findRequest struct {
	Level  string            `json:"Level"`
	Query  map[string]string `json:"Query"`
	Expand bool              `json:"Expand,omitempty"`
	Limit  int               `json:"Limit,omitempty"`
}
