package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lucianogavaz/webapp/internal/dicomdoc"
	"github.com/lucianogavaz/webapp/internal/models"
	"github.com/lucianogavaz/webapp/internal/orthanc"
	"github.com/lucianogavaz/webapp/internal/render"
	"github.com/lucianogavaz/webapp/internal/report"
	"github.com/lucianogavaz/webapp/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeOrthanc records every request it receives and answers from routes.
type fakeOrthanc struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]http.HandlerFunc // key: "METHOD /path"
	srv      *httptest.Server
}

type recordedRequest struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

func newFakeOrthanc(t *testing.T) *fakeOrthanc {
	t.Helper()
	f := &fakeOrthanc{routes: map[string]http.HandlerFunc{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.Header.Get("Content-Type"), body})
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeOrthanc) handle(methodPath string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[methodPath] = h
}

func (f *fakeOrthanc) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func newTestRouter(t *testing.T, pacs *fakeOrthanc) *gin.Engine {
	t.Helper()
	client := orthanc.NewClient(pacs.srv.URL, 5*time.Second, orthanc.Credentials{Username: "admin", Password: "admin123"})
	metrics := telemetry.NewMetrics()
	svc := report.NewService(render.New(), dicomdoc.New(), client, metrics)
	router := gin.New()
	RegisterRoutes(router, NewAPIHandler(client, svc, metrics, 1<<20))
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestCreateReport_EndToEnd(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ID":"inst-1","Status":"Success"}`))
	})
	router := newTestRouter(t, pacs)

	body := `{"orthancPatientId":"P1","reportText":"Normal exam.\nNo findings.","patientName":"John Doe","patientId":"JD001"}`
	rec := doJSON(router, http.MethodPost, "/create-report", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["message"]; got != "Laudo DICOM PDF criado e salvo no PACS com sucesso!" {
		t.Errorf("unexpected message %v", got)
	}

	reqs := pacs.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one upload, got %d requests", len(reqs))
	}
	if reqs[0].Method != http.MethodPost || reqs[0].Path != "/instances" || reqs[0].ContentType != "application/dicom" {
		t.Errorf("unexpected upload request %s %s (%s)", reqs[0].Method, reqs[0].Path, reqs[0].ContentType)
	}

	doc, err := dicomdoc.Decode(reqs[0].Body)
	if err != nil {
		t.Fatalf("uploaded payload does not decode: %v", err)
	}
	if doc.PatientName != "John Doe" || doc.PatientID != "JD001" {
		t.Errorf("unexpected identity %q / %q", doc.PatientName, doc.PatientID)
	}
	if doc.Modality != "DOC" || doc.MIMEType != "application/pdf" {
		t.Errorf("unexpected modality/mime %q / %q", doc.Modality, doc.MIMEType)
	}
	if !bytes.HasPrefix(doc.Content, []byte("%PDF-")) {
		t.Error("embedded document is not a PDF")
	}
}

func TestCreateReport_MissingReportText(t *testing.T) {
	pacs := newFakeOrthanc(t)
	router := newTestRouter(t, pacs)

	body := `{"orthancPatientId":"P1","patientName":"John Doe","patientId":"JD001"}`
	rec := doJSON(router, http.MethodPost, "/create-report", body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["error"]; got != "Dados insuficientes" {
		t.Errorf("unexpected error %v", got)
	}
	if n := len(pacs.recorded()); n != 0 {
		t.Errorf("expected zero network calls, got %d", n)
	}
}

func TestCreateReport_EachFieldRequired(t *testing.T) {
	full := map[string]string{
		"orthancPatientId": "P1",
		"reportText":       "text",
		"patientName":      "John Doe",
		"patientId":        "JD001",
	}
	for field := range full {
		t.Run(field, func(t *testing.T) {
			pacs := newFakeOrthanc(t)
			router := newTestRouter(t, pacs)

			payload := map[string]string{}
			for k, v := range full {
				payload[k] = v
			}
			payload[field] = ""
			b, _ := json.Marshal(payload)

			rec := doJSON(router, http.MethodPost, "/create-report", string(b))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400 with empty %s, got %d", field, rec.Code)
			}
			if n := len(pacs.recorded()); n != 0 {
				t.Errorf("expected zero network calls, got %d", n)
			}
		})
	}
}

func TestCreateReport_MalformedJSON(t *testing.T) {
	pacs := newFakeOrthanc(t)
	rec := doJSON(newTestRouter(t, pacs), http.MethodPost, "/create-report", `{"reportText":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateReport_UploadFailure(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Bad file format", http.StatusBadRequest)
	})
	router := newTestRouter(t, pacs)

	body := `{"orthancPatientId":"P1","reportText":"x","patientName":"John Doe","patientId":"JD001"}`
	rec := doJSON(router, http.MethodPost, "/create-report", body)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["error"].(string)
	if !strings.Contains(msg, "status 400") || !strings.Contains(msg, "Bad file format") {
		t.Errorf("error should carry upstream status and message, got %q", msg)
	}
	if n := len(pacs.recorded()); n != 1 {
		t.Errorf("expected a single upload attempt, got %d", n)
	}
}

func TestListStudies(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /tools/find", func(w http.ResponseWriter, r *http.Request) {
		var q map[string]any
		json.NewDecoder(r.Body).Decode(&q)
		if q["Level"] == "Study" {
			w.Write([]byte(`[
				{"ID":"s1","ParentPatient":"p1","PatientMainDicomTags":{"PatientName":"John Doe","PatientID":"JD001"},"MainDicomTags":{"StudyInstanceUID":"1.1","StudyDate":"20250307","StudyDescription":"CT"}},
				{"ID":"s2","ParentPatient":"p2","MainDicomTags":{"StudyInstanceUID":"2.2"}}
			]`))
			return
		}
		query, _ := q["Query"].(map[string]any)
		if query["StudyInstanceUID"] == "1.1" {
			w.Write([]byte(`["series-doc"]`))
			return
		}
		w.Write([]byte(`[]`))
	})
	router := newTestRouter(t, pacs)

	rec := doJSON(router, http.MethodGet, "/api/studies", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var studies []models.StudySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &studies); err != nil {
		t.Fatal(err)
	}
	if len(studies) != 2 {
		t.Fatalf("expected 2 studies, got %d", len(studies))
	}
	if !studies[0].HasPDFReport || studies[0].PatientName != "John Doe" || studies[0].Type != "CT" {
		t.Errorf("unexpected first study %+v", studies[0])
	}
	second := studies[1]
	if second.HasPDFReport || second.PatientName != "Nome Desconhecido" || second.PatientID != "ID Desconhecido" ||
		second.Date != "Data não disponível" || second.Modality != "N/A" || second.OrthancPatientID != "p2" {
		t.Errorf("fallbacks not applied: %+v", second)
	}
}

func TestListStudies_OrthancDown(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /tools/find", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	rec := doJSON(newTestRouter(t, pacs), http.MethodGet, "/api/studies", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["message"].(string)
	if !strings.HasPrefix(msg, "Erro interno no servidor: ") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestStudyReports(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("GET /studies/st1/series", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"ID":"a","MainDicomTags":{"Modality":"CT"},"Instances":["ct-1"]},
			{"ID":"b","MainDicomTags":{"Modality":"DOC","SeriesDate":"20250307","SeriesTime":"090405"},"Instances":["doc-1","doc-2"]},
			{"ID":"c","MainDicomTags":{"Modality":"DOC"},"Instances":[]}
		]`))
	})
	rec := doJSON(newTestRouter(t, pacs), http.MethodGet, "/api/study/st1/reports", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var reports []models.ReportInstance
	if err := json.Unmarshal(rec.Body.Bytes(), &reports); err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].ID != "doc-1" || reports[0].Date != "20250307" || reports[0].Time != "090405" {
		t.Errorf("unexpected reports %+v", reports)
	}
}

func TestGetPatient(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("GET /patients/p1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ID":"p1","MainDicomTags":{"PatientName":"John Doe"}}`))
	})
	router := newTestRouter(t, pacs)

	rec := doJSON(router, http.MethodGet, "/api/patient/p1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "John Doe") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(router, http.MethodGet, "/api/patient/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown patient, got %d", rec.Code)
	}
}

func TestInstancePDF(t *testing.T) {
	pdf := []byte("%PDF-1.3\nreport\n%%EOF\n")
	_, obj, err := dicomdoc.New().Encapsulate(pdf, "John Doe", "JD001")
	if err != nil {
		t.Fatal(err)
	}

	pacs := newFakeOrthanc(t)
	pacs.handle("GET /instances/i1/file", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom")
		w.Write(obj)
	})
	router := newTestRouter(t, pacs)

	rec := doJSON(router, http.MethodGet, "/api/instance/i1/pdf", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("expected application/pdf, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), pdf) {
		t.Errorf("pdf bytes differ")
	}

	rec = doJSON(router, http.MethodGet, "/api/instance/missing/pdf", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestUpload(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ID":"inst-9","Status":"Success"}`))
	})
	router := newTestRouter(t, pacs)

	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader([]byte("DICOM-DATA")))
	req.Header.Set("Content-Type", "application/dicom")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["message"] != "Ficheiro DICOM enviado com sucesso!" {
		t.Errorf("unexpected message %v", body["message"])
	}
	details, _ := body["details"].(map[string]any)
	if details["ID"] != "inst-9" {
		t.Errorf("expected orthanc ack in details, got %v", body["details"])
	}
	if reqs := pacs.recorded(); len(reqs) != 1 || string(reqs[0].Body) != "DICOM-DATA" {
		t.Errorf("body not forwarded verbatim: %+v", reqs)
	}
}

func TestUpload_Empty(t *testing.T) {
	pacs := newFakeOrthanc(t)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", nil)
	rec := httptest.NewRecorder()
	newTestRouter(t, pacs).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if decodeBody(t, rec)["message"] != "Nenhum ficheiro recebido." {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if n := len(pacs.recorded()); n != 0 {
		t.Errorf("expected no upstream calls, got %d", n)
	}
}

func TestUpload_TooLarge(t *testing.T) {
	pacs := newFakeOrthanc(t)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader(make([]byte, 2<<20)))
	rec := httptest.NewRecorder()
	newTestRouter(t, pacs).ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestUpload_OrthancFailure(t *testing.T) {
	pacs := newFakeOrthanc(t)
	pacs.handle("POST /instances", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})
	req := httptest.NewRequest(http.MethodPost, "/api/upload", bytes.NewReader([]byte("x")))
	rec := httptest.NewRecorder()
	newTestRouter(t, pacs).ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	msg, _ := decodeBody(t, rec)["message"].(string)
	if !strings.HasPrefix(msg, "Falha no upload para o Orthanc: ") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, newFakeOrthanc(t))

	rec := doJSON(router, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	doJSON(router, http.MethodPost, "/create-report", `{}`)
	rec = doJSON(router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `pacs_report_requests_total{outcome="validation"} 1`) {
		t.Errorf("validation outcome not counted:\n%s", rec.Body.String())
	}
}
