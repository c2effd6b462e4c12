// Package dicomdoc builds and reads DICOM Encapsulated PDF objects.
//
// Objects are written as Part 10 files in Explicit VR Little Endian: a
// 128-byte preamble, the "DICM" marker, the group 0002 file meta and the
// dataset in ascending tag order.
package dicomdoc

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	// SOPClassEncapsulatedPDF is the Encapsulated PDF Storage SOP class.
	SOPClassEncapsulatedPDF = "1.2.840.10008.5.1.4.1.1.104.1"
	// ExplicitVRLittleEndian is the transfer syntax every object is written in.
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	ModalityDocument = "DOC"
	MIMETypePDF      = "application/pdf"

	// ReportSeriesNumber keeps report series apart from acquisition series.
	ReportSeriesNumber = "99"

	implementationVersionName = "PACSREPORT_1"
	characterSetUTF8          = "ISO_IR 192"
	dateLayout                = "20060102"
	timeLayout                = "150405"
)

// encapsulatedDocumentLength is (0042,0015) UL, the unpadded size of the
// encapsulated document. OB values are padded to an even length on write.
var encapsulatedDocumentLength = tag.Tag{Group: 0x0042, Element: 0x0015}

var (
	ErrMissingUID      = errors.New("required UID is empty")
	ErrEmptyDocument   = errors.New("encapsulated document is empty")
	ErrNotEncapsulated = errors.New("object has no encapsulated document")
)

// Document is the content of one Encapsulated PDF object.
type Document struct {
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	TransferSyntaxUID string

	PatientName string
	PatientID   string

	StudyDate       string
	StudyTime       string
	AccessionNumber string
	Modality        string
	SeriesNumber    string
	InstanceNumber  string
	DocumentTitle   string

	MIMEType string
	Content  []byte
}

// Encapsulator stamps new objects. Now and NewUID are overridable for tests.
type Encapsulator struct {
	Now           func() time.Time
	NewUID        func() string
	DocumentTitle string
}

// New returns an Encapsulator on the wall clock with UUID-derived UIDs.
func New() *Encapsulator {
	return &Encapsulator{
		Now:           time.Now,
		NewUID:        NewUID,
		DocumentTitle: "Laudo de Exame",
	}
}

// Build fills in a Document for pdf. Instance, study and series UIDs are
// generated on every call.
func (e *Encapsulator) Build(pdf []byte, patientName, patientID string) *Document {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	newUID := NewUID
	if e.NewUID != nil {
		newUID = e.NewUID
	}
	ts := now()

	return &Document{
		SOPClassUID:       SOPClassEncapsulatedPDF,
		SOPInstanceUID:    newUID(),
		StudyInstanceUID:  newUID(),
		SeriesInstanceUID: newUID(),
		TransferSyntaxUID: ExplicitVRLittleEndian,
		PatientName:       patientName,
		PatientID:         patientID,
		StudyDate:         ts.Format(dateLayout),
		StudyTime:         ts.Format(timeLayout),
		Modality:          ModalityDocument,
		SeriesNumber:      ReportSeriesNumber,
		InstanceNumber:    strconv.FormatInt(ts.Unix(), 10),
		DocumentTitle:     e.DocumentTitle,
		MIMEType:          MIMETypePDF,
		Content:           pdf,
	}
}

// Encapsulate builds a Document for pdf and serializes it.
func (e *Encapsulator) Encapsulate(pdf []byte, patientName, patientID string) (*Document, []byte, error) {
	doc := e.Build(pdf, patientName, patientID)
	data, err := doc.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return doc, data, nil
}

// Marshal writes d as a Part 10 file.
func (d *Document) Marshal() ([]byte, error) {
	for name, v := range map[string]string{
		"SOPClassUID":       d.SOPClassUID,
		"SOPInstanceUID":    d.SOPInstanceUID,
		"StudyInstanceUID":  d.StudyInstanceUID,
		"SeriesInstanceUID": d.SeriesInstanceUID,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s: %w", name, ErrMissingUID)
		}
	}
	if len(d.Content) == 0 {
		return nil, ErrEmptyDocument
	}

	elems, err := d.elements()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := dicom.Write(&buf, dicom.Dataset{Elements: elems}); err != nil {
		return nil, fmt.Errorf("failed to write dicom dataset: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *Document) elements() ([]*dicom.Element, error) {
	date, clock := d.StudyDate, d.StudyTime
	values := []struct {
		t tag.Tag
		v any
	}{
		{tag.FileMetaInformationVersion, []byte{0x00, 0x01}},
		{tag.MediaStorageSOPClassUID, []string{d.SOPClassUID}},
		{tag.MediaStorageSOPInstanceUID, []string{d.SOPInstanceUID}},
		{tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}},
		{tag.ImplementationClassUID, []string{implementationClassUID}},
		{tag.ImplementationVersionName, []string{implementationVersionName}},

		{tag.SpecificCharacterSet, []string{characterSetUTF8}},
		{tag.SOPClassUID, []string{d.SOPClassUID}},
		{tag.SOPInstanceUID, []string{d.SOPInstanceUID}},
		{tag.StudyDate, []string{date}},
		{tag.SeriesDate, []string{date}},
		{tag.ContentDate, []string{date}},
		{tag.StudyTime, []string{clock}},
		{tag.SeriesTime, []string{clock}},
		{tag.ContentTime, []string{clock}},
		{tag.AccessionNumber, []string{d.AccessionNumber}},
		{tag.Modality, []string{d.Modality}},
		{tag.PatientName, []string{d.PatientName}},
		{tag.PatientID, []string{d.PatientID}},
		{tag.StudyInstanceUID, []string{d.StudyInstanceUID}},
		{tag.SeriesInstanceUID, []string{d.SeriesInstanceUID}},
		{tag.SeriesNumber, []string{d.SeriesNumber}},
		{tag.InstanceNumber, []string{d.InstanceNumber}},
		{tag.BurnedInAnnotation, []string{"YES"}},
		{tag.DocumentTitle, []string{d.DocumentTitle}},
		{tag.EncapsulatedDocument, d.Content},
		{tag.MIMETypeOfEncapsulatedDocument, []string{d.MIMEType}},
	}

	elems := make([]*dicom.Element, 0, len(values))
	for _, kv := range values {
		el, err := dicom.NewElement(kv.t, kv.v)
		if err != nil {
			return nil, fmt.Errorf("failed to build element %s: %w", kv.t, err)
		}
		elems = append(elems, el)
	}

	length, err := dicom.NewValue([]int{len(d.Content)})
	if err != nil {
		return nil, fmt.Errorf("failed to build encapsulated document length: %w", err)
	}
	elems = append(elems, &dicom.Element{
		Tag:                    encapsulatedDocumentLength,
		ValueRepresentation:    tag.VRUInt32List,
		RawValueRepresentation: "UL",
		Value:                  length,
	})

	slices.SortFunc(elems, func(a, b *dicom.Element) int {
		return cmp.Compare(tagKey(a.Tag), tagKey(b.Tag))
	})
	return elems, nil
}

// Decode parses a Part 10 file produced by Marshal, or any Encapsulated
// Document object carrying the same attributes.
func Decode(data []byte) (*Document, error) {
	ds, err := dicom.Parse(bytes.NewReader(data), int64(len(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dicom object: %w", err)
	}

	content, err := bytesValue(ds, tag.EncapsulatedDocument)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotEncapsulated, err)
	}

	if n, ok := intValue(ds, encapsulatedDocumentLength); ok && n >= 0 && n <= len(content) {
		content = content[:n]
	}

	d := &Document{Content: content}
	for _, f := range []struct {
		t   tag.Tag
		dst *string
	}{
		{tag.SOPClassUID, &d.SOPClassUID},
		{tag.SOPInstanceUID, &d.SOPInstanceUID},
		{tag.StudyInstanceUID, &d.StudyInstanceUID},
		{tag.SeriesInstanceUID, &d.SeriesInstanceUID},
		{tag.TransferSyntaxUID, &d.TransferSyntaxUID},
		{tag.PatientName, &d.PatientName},
		{tag.PatientID, &d.PatientID},
		{tag.StudyDate, &d.StudyDate},
		{tag.StudyTime, &d.StudyTime},
		{tag.AccessionNumber, &d.AccessionNumber},
		{tag.Modality, &d.Modality},
		{tag.SeriesNumber, &d.SeriesNumber},
		{tag.InstanceNumber, &d.InstanceNumber},
		{tag.DocumentTitle, &d.DocumentTitle},
		{tag.MIMETypeOfEncapsulatedDocument, &d.MIMEType},
	} {
		*f.dst = stringValue(ds, f.t)
	}
	return d, nil
}

// stringValue returns the first value of t, or "" when absent.
func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	strs, ok := el.Value.GetValue().([]string)
	if !ok || len(strs) == 0 {
		return ""
	}
	return strings.TrimRight(strs[0], " \x00")
}

func intValue(ds dicom.Dataset, t tag.Tag) (int, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return 0, false
	}
	ints, ok := el.Value.GetValue().([]int)
	if !ok || len(ints) == 0 {
		return 0, false
	}
	return ints[0], true
}

func bytesValue(ds dicom.Dataset, t tag.Tag) ([]byte, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	b, ok := el.Value.GetValue().([]byte)
	if !ok {
		return nil, fmt.Errorf("element %s is not a byte value", t)
	}
	return b, nil
}

func tagKey(t tag.Tag) uint32 {
	return uint32(t.Group)<<16 | uint32(t.Element)
}
