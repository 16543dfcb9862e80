package audit

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"lienchain/native/loan"
)

// Row is one exported loan in flat form.
type Row struct {
	DebtID          uint64
	State           string
	Borrower        string
	Lender          string
	CollateralAddr  string
	CollateralID    string
	Principal       string
	Balance         string
	PaidTotal       string
	InterestRate    int32
	DurationDays    int32
	GracePeriod     int32
	StartTime       string
	CreatedAt       string
	DebtTokenIssued bool
}

// LoanSource walks stored loan records.
type LoanSource interface {
	ForEachLoan(func(*loan.LoanRecord) error) error
}

// Result names the files written by one export run.
type Result struct {
	CSVPath     string
	ParquetPath string
	Count       int
}

func rowFromRecord(record *loan.LoanRecord) Row {
	row := Row{
		DebtID:          record.DebtID,
		State:           record.State.String(),
		Borrower:        hex.EncodeToString(record.Borrower[:]),
		CollateralAddr:  hex.EncodeToString(record.CollateralAddr[:]),
		CollateralID:    record.CollateralID.String(),
		Principal:       record.Principal.String(),
		Balance:         record.Balance.String(),
		PaidTotal:       record.PaidTotal.String(),
		InterestRate:    int32(record.Terms.InterestRate),
		DurationDays:    int32(record.Terms.Duration),
		GracePeriod:     int32(record.Terms.GracePeriod),
		CreatedAt:       formatUnix(record.CreatedAt),
		StartTime:       formatUnix(record.StartTime),
		DebtTokenIssued: record.DebtTokenIssued,
	}
	if record.Lender != ([20]byte{}) {
		row.Lender = hex.EncodeToString(record.Lender[:])
	}
	return row
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

// ExportTerminated writes the terminated loan book (PAID, AWARDED, CLOSED) as
// paired CSV and parquet files under dir. The filename carries the export
// timestamp so repeated runs never clobber earlier reports.
func ExportTerminated(source LoanSource, dir string, now time.Time) (*Result, error) {
	return export(source, dir, now, func(record *loan.LoanRecord) bool {
		return record.State.Terminal()
	})
}

// ExportAll writes the complete loan book.
func ExportAll(source LoanSource, dir string, now time.Time) (*Result, error) {
	return export(source, dir, now, func(*loan.LoanRecord) bool { return true })
}

func export(source LoanSource, dir string, now time.Time, keep func(*loan.LoanRecord) bool) (*Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var rows []Row
	err := source.ForEachLoan(func(record *loan.LoanRecord) error {
		if keep(record) {
			rows = append(rows, rowFromRecord(record))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	filename := fmt.Sprintf("loans_%s", now.UTC().Format("20060102T150405Z"))
	csvPath := filepath.Join(dir, filename+".csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(dir, filename+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	return &Result{CSVPath: csvPath, ParquetPath: parquetPath, Count: len(rows)}, nil
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"debt_id", "state", "borrower", "lender", "collateral_addr", "collateral_id",
		"principal", "balance", "paid_total", "interest_rate", "duration_days",
		"grace_period", "start_time", "created_at", "debt_token_issued",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.DebtID),
			row.State,
			row.Borrower,
			row.Lender,
			row.CollateralAddr,
			row.CollateralID,
			row.Principal,
			row.Balance,
			row.PaidTotal,
			fmt.Sprintf("%d", row.InterestRate),
			fmt.Sprintf("%d", row.DurationDays),
			fmt.Sprintf("%d", row.GracePeriod),
			row.StartTime,
			row.CreatedAt,
			boolString(row.DebtTokenIssued),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

type parquetRow struct {
	DebtID          int64  `parquet:"name=debt_id, type=INT64"`
	State           string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Borrower        string `parquet:"name=borrower, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lender          string `parquet:"name=lender, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralAddr  string `parquet:"name=collateral_addr, type=BYTE_ARRAY, convertedtype=UTF8"`
	CollateralID    string `parquet:"name=collateral_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Principal       string `parquet:"name=principal, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance         string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	PaidTotal       string `parquet:"name=paid_total, type=BYTE_ARRAY, convertedtype=UTF8"`
	InterestRate    int32  `parquet:"name=interest_rate, type=INT32"`
	DurationDays    int32  `parquet:"name=duration_days, type=INT32"`
	GracePeriod     int32  `parquet:"name=grace_period, type=INT32"`
	StartTime       string `parquet:"name=start_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	DebtTokenIssued bool   `parquet:"name=debt_token_issued, type=BOOLEAN"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			DebtID:          int64(row.DebtID),
			State:           row.State,
			Borrower:        row.Borrower,
			Lender:          row.Lender,
			CollateralAddr:  row.CollateralAddr,
			CollateralID:    row.CollateralID,
			Principal:       row.Principal,
			Balance:         row.Balance,
			PaidTotal:       row.PaidTotal,
			InterestRate:    row.InterestRate,
			DurationDays:    row.DurationDays,
			GracePeriod:     row.GracePeriod,
			StartTime:       row.StartTime,
			CreatedAt:       row.CreatedAt,
			DebtTokenIssued: row.DebtTokenIssued,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}
