package service

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/iago/pdfqueue-back/internal/domain"
	"github.com/iago/pdfqueue-back/internal/repository"
	"github.com/xuri/excelize/v2"
)

const exportSheet = "Questions"

var exportHeaders = []string{
	"ID",
	"Job ID",
	"Question",
	"Option 1",
	"Option 2",
	"Option 3",
	"Option 4",
	"Answer",
	"Multi Answers",
	"Explanation",
	"Solution",
	"Exam",
	"Standard",
	"Subject",
	"Chapter",
	"Topic",
	"Sub Topic",
	"Pattern",
	"Level",
	"Type",
	"Year",
	"Marks",
	"Category",
	"Status",
	"Asked",
	"Created At",
}

// ExportService renders stored questions as an XLSX workbook.
type ExportService struct {
	questions repository.QuestionStore
	maxRows   int
	logger    *log.Logger
}

func NewExportService(questions repository.QuestionStore, maxRows int, logger *log.Logger) *ExportService {
	if maxRows <= 0 {
		maxRows = 10000
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ExportService{questions: questions, maxRows: maxRows, logger: logger}
}

// ExportQuestionsXLSX returns the workbook bytes for questions matching jobID
// (all jobs when empty), newest first.
func (s *ExportService) ExportQuestionsXLSX(ctx context.Context, jobID string) ([]byte, error) {
	start := time.Now()

	questions, err := s.questions.ListQuestions(ctx, domain.QuestionFilter{
		JobID: strings.TrimSpace(jobID),
		Limit: s.maxRows,
	})
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}

	for i, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(exportSheet, cell, header)
	}

	for rowIndex, q := range questions {
		row := rowIndex + 2
		values := []any{
			q.ID,
			q.JobID,
			q.Question,
			q.Option1,
			q.Option2,
			q.Option3,
			q.Option4,
			q.Answer,
			strings.Join(q.MultiAnswers, ", "),
			q.Explanation,
			q.Solution,
			refCell(q.ExamID),
			refCell(q.StandardID),
			refCell(q.SubjectID),
			refCell(q.ChapterID),
			refCell(q.TopicID),
			refCell(q.SubTopicID),
			refCell(q.PatternID),
			refCell(q.LevelID),
			refCell(q.TypeID),
			yearCell(q.Classification),
			refCell(q.Marks),
			q.Category,
			q.Status,
			q.Asked,
			q.CreatedAt.UTC().Format(time.RFC3339),
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(exportSheet, cell, value)
		}
	}

	_ = f.SetColWidth(exportSheet, "B", "B", 38)
	_ = f.SetColWidth(exportSheet, "C", "C", 60)
	_ = f.SetColWidth(exportSheet, "D", "H", 24)
	_ = f.SetColWidth(exportSheet, "J", "K", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Printf("export xlsx rows=%d job_id=%s elapsed_ms=%d", len(questions), jobID, time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func refCell(id domain.RefID) any {
	if !id.Valid {
		return ""
	}
	return id.Value
}

func yearCell(c domain.Classification) any {
	if c.YearLabel != "" {
		return c.YearLabel
	}
	return refCell(c.YearID)
}
