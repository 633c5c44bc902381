package testutil

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ecpds/master/models"
)

// FindHistoryInJournalFile returns the history rows of a transfer
// found in the journal file at pathToJournal.
func FindHistoryInJournalFile(pathToJournal string, dataTransferId int64) ([]*models.TransferHistory, error) {
	file, err := os.Open(pathToJournal)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return FindHistoryInJournal(file, dataTransferId)
}

// FindHistoryInJournal reads a journal, one JSON history row per
// line, and returns the rows of the given transfer in journal order.
func FindHistoryInJournal(journal io.Reader, dataTransferId int64) ([]*models.TransferHistory, error) {
	rows := make([]*models.TransferHistory, 0)
	reader := bufio.NewReader(journal)
	lineNumber := 0
	for {
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			lineNumber++
			row := &models.TransferHistory{}
			if jsonErr := json.Unmarshal([]byte(line), row); jsonErr != nil {
				return nil, fmt.Errorf("Journal line %d is not a history row: %v", lineNumber, jsonErr)
			}
			if row.DataTransferId == dataTransferId {
				rows = append(rows, row)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}
