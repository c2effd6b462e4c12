// Package report turns a text report into an Encapsulated PDF stored in the
// PACS: render, encapsulate, upload, in that order, once per request.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lucianogavaz/webapp/internal/dicomdoc"
	"github.com/lucianogavaz/webapp/internal/models"
	"github.com/lucianogavaz/webapp/internal/orthanc"
	"github.com/lucianogavaz/webapp/internal/render"
	"github.com/lucianogavaz/webapp/internal/telemetry"
)

const tracerName = "github.com/lucianogavaz/webapp/internal/report"

// Renderer draws the report PDF.
type Renderer interface {
	Render(in render.Input) (*render.Document, error)
}

// Encapsulator wraps PDF bytes into a serialized DICOM object.
type Encapsulator interface {
	Encapsulate(pdf []byte, patientName, patientID string) (*dicomdoc.Document, []byte, error)
}

// Uploader stores a serialized DICOM object in the PACS.
type Uploader interface {
	UploadInstance(ctx context.Context, data []byte) (*orthanc.UploadResult, error)
}

// Result describes a stored report.
type Result struct {
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	OrthancID         string
	Truncated         bool
	Replaced          int
}

// Service runs the pipeline. It holds no per-request state and is safe for
// concurrent use as long as its collaborators are.
type Service struct {
	renderer     Renderer
	encapsulator Encapsulator
	uploader     Uploader
	metrics      *telemetry.Metrics
	tracer       oteltrace.Tracer
}

// NewService wires the pipeline. metrics may be nil.
func NewService(r Renderer, e Encapsulator, u Uploader, m *telemetry.Metrics) *Service {
	return &Service{
		renderer:     r,
		encapsulator: e,
		uploader:     u,
		metrics:      m,
		tracer:       otel.Tracer(tracerName),
	}
}

// ErrInsufficientData is wrapped by validation failures.
var ErrInsufficientData = errors.New("insufficient data")

// Create renders, encapsulates and uploads one report. Errors are *Error.
func (s *Service) Create(ctx context.Context, req models.ReportRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "report.Create")
	defer span.End()

	if missing := req.Missing(); len(missing) > 0 {
		s.metrics.CountReport(telemetry.OutcomeValidation)
		return nil, fail(KindValidation, fmt.Errorf("%w: missing %s", ErrInsufficientData, strings.Join(missing, ", ")))
	}

	logAttrs := []any{"orthancPatientId", req.OrthancPatientID, "patientId", req.PatientID}

	start := time.Now()
	_, renderSpan := s.tracer.Start(ctx, "report.render")
	doc, err := s.renderer.Render(render.Input{
		ReportText:  req.ReportText,
		PatientName: req.PatientName,
		PatientID:   req.PatientID,
	})
	endSpan(renderSpan, err)
	s.metrics.ObserveStage("render", start)
	if err != nil {
		return nil, s.failed(ctx, span, KindRender, err, logAttrs)
	}
	if doc.Replaced > 0 {
		slog.WarnContext(ctx, "Report contains characters the PDF fonts cannot encode, drawn as '.'", append(logAttrs, "replaced", doc.Replaced)...)
	}
	if doc.Truncated {
		s.metrics.CountTruncated()
		slog.WarnContext(ctx, "Report body did not fit on one page and was truncated", append(logAttrs, "linesDrawn", doc.Lines)...)
	}

	start = time.Now()
	_, encodeSpan := s.tracer.Start(ctx, "report.encapsulate")
	obj, data, err := s.encapsulator.Encapsulate(doc.Bytes, req.PatientName, req.PatientID)
	endSpan(encodeSpan, err)
	s.metrics.ObserveStage("encapsulate", start)
	if err != nil {
		return nil, s.failed(ctx, span, KindEncode, err, logAttrs)
	}
	s.metrics.ObserveObject(len(data))
	logAttrs = append(logAttrs, "sopInstanceUid", obj.SOPInstanceUID, "studyInstanceUid", obj.StudyInstanceUID)

	start = time.Now()
	uploadCtx, uploadSpan := s.tracer.Start(ctx, "report.upload", oteltrace.WithAttributes(attribute.Int("dicom.bytes", len(data))))
	ack, err := s.uploader.UploadInstance(uploadCtx, data)
	endSpan(uploadSpan, err)
	s.metrics.ObserveStage("upload", start)
	if err != nil {
		return nil, s.failed(ctx, span, KindUpload, err, logAttrs)
	}

	s.metrics.CountReport(telemetry.OutcomeSuccess)
	res := &Result{
		SOPInstanceUID:    obj.SOPInstanceUID,
		StudyInstanceUID:  obj.StudyInstanceUID,
		SeriesInstanceUID: obj.SeriesInstanceUID,
		Truncated:         doc.Truncated,
		Replaced:          doc.Replaced,
	}
	if ack != nil {
		res.OrthancID = ack.ID
	}
	slog.InfoContext(ctx, "Report stored in PACS", append(logAttrs, "orthancId", res.OrthancID)...)
	return res, nil
}

func (s *Service) failed(ctx context.Context, span oteltrace.Span, k Kind, err error, logAttrs []any) error {
	s.metrics.CountReport(k.String())
	span.RecordError(err)
	span.SetStatus(codes.Error, k.String())
	slog.ErrorContext(ctx, "Report pipeline failed", append(logAttrs, "stage", k.String(), "error", err)...)
	return fail(k, err)
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
