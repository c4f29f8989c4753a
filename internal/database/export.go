package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"jobtrack/internal/models"

	"github.com/xuri/excelize/v2"
)

// ExportJSON writes the full history to a JSON file and returns its path.
func (db *DB) ExportJSON(ctx context.Context, exportDir string) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	interactions, err := db.Recent(ctx, db.historyLimit)
	if err != nil {
		return "", fmt.Errorf("error reading history: %v", err)
	}

	data, err := json.MarshalIndent(interactions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding history: %v", err)
	}

	fileName := fmt.Sprintf("interactions_%s.json", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(exportDir, fileName)
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	db.logger.Info().Str("file_path", filePath).Int("count", len(interactions)).Msg("JSON export created")
	return filePath, nil
}

// ImportJSON loads interactions from a JSON export. Duplicates are skipped by
// the usual timestamp plus session id rule; the counts report written and
// skipped rows.
func (db *DB) ImportJSON(ctx context.Context, path string) (imported, skipped int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("error reading file: %v", err)
	}

	var interactions []models.Interaction
	if err := json.Unmarshal(data, &interactions); err != nil {
		return 0, 0, fmt.Errorf("error decoding file: %v", err)
	}

	for i := range interactions {
		written, err := db.Insert(ctx, &interactions[i])
		if err != nil {
			return imported, skipped, fmt.Errorf("error importing interaction %s: %v", interactions[i].ID, err)
		}
		if written {
			imported++
		} else {
			skipped++
		}
	}

	db.logger.Info().Int("imported", imported).Int("skipped", skipped).Str("path", path).Msg("JSON import complete")
	return imported, skipped, nil
}

// ExportExcel writes the history to an Excel workbook and returns its path.
func (db *DB) ExportExcel(ctx context.Context, exportDir string) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	interactions, err := db.Recent(ctx, db.historyLimit)
	if err != nil {
		return "", fmt.Errorf("error reading history: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Interactions"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"ID", "Timestamp", "Session", "Type", "Entity Type", "Entity ID", "Status", "Metadata"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, headerStyle)
	}

	for i, in := range interactions {
		row := i + 2
		var metadata string
		if len(in.Metadata) > 0 {
			if data, err := json.Marshal(in.Metadata); err == nil {
				metadata = string(data)
			}
		}
		_ = f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), in.ID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), in.Timestamp.Format("02.01.2006 15:04:05"))
		_ = f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), in.SessionID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), in.Type)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), in.EntityType)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), in.EntityID)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), in.Status)
		_ = f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), metadata)
	}

	_ = f.SetColWidth(sheetName, "A", "A", 38)
	_ = f.SetColWidth(sheetName, "B", "B", 20)
	_ = f.SetColWidth(sheetName, "C", "C", 38)
	_ = f.SetColWidth(sheetName, "D", "G", 15)
	_ = f.SetColWidth(sheetName, "H", "H", 40)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("interactions_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(exportDir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	db.logger.Info().Str("file_path", filePath).Int("count", len(interactions)).Msg("Excel export created")
	return filePath, nil
}
