package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/lucianogavaz/webapp/internal/dicomdoc"
	"github.com/lucianogavaz/webapp/internal/models"
	"github.com/lucianogavaz/webapp/internal/orthanc"
	"github.com/lucianogavaz/webapp/internal/report"
	"github.com/lucianogavaz/webapp/internal/telemetry"
)

// Response messages are part of the public contract consumed by the viewer.
const (
	msgReportCreated    = "Laudo DICOM PDF criado e salvo no PACS com sucesso!"
	msgInsufficientData = "Dados insuficientes"
	msgNoFile           = "Nenhum ficheiro recebido."
	msgUploadOK         = "Ficheiro DICOM enviado com sucesso!"
)

// studyLookupConcurrency bounds the per-study DOC series lookups.
const studyLookupConcurrency = 8

// PACS is the subset of the Orthanc client the handlers use.
type PACS interface {
	FindStudies(ctx context.Context) ([]orthanc.StudyDetails, error)
	HasDocumentSeries(ctx context.Context, studyInstanceUID string) (bool, error)
	GetPatient(ctx context.Context, orthancPatientID string) (json.RawMessage, error)
	GetStudySeries(ctx context.Context, orthancStudyID string) ([]orthanc.SeriesDetails, error)
	GetInstanceFile(ctx context.Context, instanceID string) ([]byte, error)
	UploadInstance(ctx context.Context, data []byte) (*orthanc.UploadResult, error)
}

// ReportCreator runs the report pipeline.
type ReportCreator interface {
	Create(ctx context.Context, req models.ReportRequest) (*report.Result, error)
}

// APIHandler holds dependencies for API handlers. It has no mutable state.
type APIHandler struct {
	pacs           PACS
	reports        ReportCreator
	metrics        *telemetry.Metrics
	maxUploadBytes int64
}

// NewAPIHandler creates a new handler instance. metrics may be nil.
func NewAPIHandler(pacs PACS, reports ReportCreator, metrics *telemetry.Metrics, maxUploadBytes int64) *APIHandler {
	return &APIHandler{
		pacs:           pacs,
		reports:        reports,
		metrics:        metrics,
		maxUploadBytes: maxUploadBytes,
	}
}

// CreateReportHandler renders the report, wraps it in DICOM and stores it in the PACS.
func (h *APIHandler) CreateReportHandler(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.DebugContext(ctx, "Rejected report request", "error", err)
		h.metrics.CountReport(telemetry.OutcomeValidation)
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInsufficientData})
		return
	}

	if _, err := h.reports.Create(ctx, req); err != nil {
		var rerr *report.Error
		if errors.As(err, &rerr) && rerr.Kind == report.KindValidation {
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInsufficientData})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msgReportCreated})
}

// ListStudiesHandler lists every study and flags those holding a PDF report.
func (h *APIHandler) ListStudiesHandler(c *gin.Context) {
	ctx := c.Request.Context()

	studies, err := h.pacs.FindStudies(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list studies", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Erro interno no servidor: " + err.Error()})
		return
	}

	out := make([]models.StudySummary, len(studies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(studyLookupConcurrency)
	for i, s := range studies {
		g.Go(func() error {
			has, err := h.pacs.HasDocumentSeries(gctx, s.MainTags.StudyInstanceUID)
			if err != nil {
				return err
			}
			out[i] = summarizeStudy(s, has)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "Failed to check studies for PDF reports", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Erro interno no servidor: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

func summarizeStudy(s orthanc.StudyDetails, hasPDF bool) models.StudySummary {
	return models.StudySummary{
		ID:               s.ID,
		StudyInstanceUID: s.MainTags.StudyInstanceUID,
		PatientID:        orDefault(s.PatientMainTags.PatientID, "ID Desconhecido"),
		PatientName:      orDefault(s.PatientMainTags.PatientName, "Nome Desconhecido"),
		OrthancPatientID: s.ParentPatient,
		Type:             orDefault(s.MainTags.StudyDescription, "Descrição não disponível"),
		Date:             orDefault(s.MainTags.StudyDate, "Data não disponível"),
		Modality:         orDefault(s.MainTags.Modality, "N/A"),
		HasPDFReport:     hasPDF,
	}
}

// GetPatientHandler passes Orthanc's patient resource through unchanged.
func (h *APIHandler) GetPatientHandler(c *gin.Context) {
	ctx := c.Request.Context()
	raw, err := h.pacs.GetPatient(ctx, c.Param("orthancPatientId"))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to get patient", "orthancPatientId", c.Param("orthancPatientId"), "error", err)
		c.JSON(statusFor(err), gin.H{"message": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// StudyReportsHandler lists the PDF report instances of a study.
func (h *APIHandler) StudyReportsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	series, err := h.pacs.GetStudySeries(ctx, c.Param("studyId"))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to get study series", "studyId", c.Param("studyId"), "error", err)
		c.JSON(statusFor(err), gin.H{"message": err.Error()})
		return
	}

	reports := make([]models.ReportInstance, 0, len(series))
	for _, s := range series {
		if s.MainTags.Modality != dicomdoc.ModalityDocument || len(s.Instances) == 0 {
			continue
		}
		reports = append(reports, models.ReportInstance{
			ID:   s.Instances[0],
			Date: s.MainTags.SeriesDate,
			Time: s.MainTags.SeriesTime,
		})
	}
	c.JSON(http.StatusOK, reports)
}

// InstancePDFHandler extracts the PDF embedded in a stored instance.
func (h *APIHandler) InstancePDFHandler(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("instanceId")

	data, err := h.pacs.GetInstanceFile(ctx, instanceID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to get instance file", "instanceID", instanceID, "error", err)
		if errors.Is(err, orthanc.ErrNotFound) {
			c.String(http.StatusNotFound, "Erro do Orthanc: 404")
			return
		}
		c.String(http.StatusInternalServerError, err.Error())
		return
	}

	doc, err := dicomdoc.Decode(data)
	if err != nil {
		slog.WarnContext(ctx, "Instance is not an encapsulated document", "instanceID", instanceID, "error", err)
		c.String(http.StatusUnprocessableEntity, err.Error())
		return
	}
	contentType := doc.MIMEType
	if contentType == "" {
		contentType = dicomdoc.MIMETypePDF
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", instanceID+".pdf"))
	c.Data(http.StatusOK, contentType, doc.Content)
}

// UploadHandler forwards a raw DICOM file to Orthanc.
func (h *APIHandler) UploadHandler(c *gin.Context) {
	ctx := c.Request.Context()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.metrics.CountUpload("too_large")
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": fmt.Sprintf("Ficheiro excede o limite de %d bytes.", tooLarge.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if len(data) == 0 {
		h.metrics.CountUpload("empty")
		c.JSON(http.StatusBadRequest, gin.H{"message": msgNoFile})
		return
	}

	res, err := h.pacs.UploadInstance(ctx, data)
	if err != nil {
		h.metrics.CountUpload("error")
		slog.ErrorContext(ctx, "Failed to forward DICOM upload", "bytes", len(data), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Falha no upload para o Orthanc: " + err.Error()})
		return
	}
	h.metrics.CountUpload("success")
	c.JSON(http.StatusOK, gin.H{"message": msgUploadOK, "details": res})
}

// HealthCheckHandler handles health check requests
func (h *APIHandler) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusFor keeps Orthanc 404s visible to the caller; everything else is a 500.
func statusFor(err error) int {
	if errors.Is(err, orthanc.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
