package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/devicegate/audit"
	bboltstorage "github.com/jmcleod/devicegate/storage/bbolt"
)

type verifyResult struct {
	Source string `json:"source"`
	Bucket string `json:"bucket,omitempty"`
	audit.Result
}

// verifyExportFile checks a JSON export produced by audit.Trail.Export.
func verifyExportFile(path string) (verifyResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return verifyResult{}, fmt.Errorf("cannot read file: %w", err)
	}
	var export audit.Export
	if err := json.Unmarshal(data, &export); err != nil {
		return verifyResult{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return verifyResult{
		Source: path,
		Bucket: export.Bucket,
		Result: audit.Verify(export.Entries),
	}, nil
}

// verifyDatabase checks the trail stored in a bbolt file, including its
// head record. The file is opened read-only.
func verifyDatabase(path, bucket string) (verifyResult, error) {
	if _, err := os.Stat(path); err != nil {
		return verifyResult{}, fmt.Errorf("cannot open database: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(path, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return verifyResult{}, err
	}
	defer repo.Close()

	res, err := audit.NewTrail(repo, audit.WithBucket(bucket)).Verify()
	if err != nil {
		return verifyResult{}, err
	}
	return verifyResult{Source: path, Bucket: bucket, Result: res}, nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Audit chain verification: %s\n", result.Source)
	if result.Bucket != "" {
		fmt.Fprintf(w, "Bucket:  %s\n", result.Bucket)
	}
	fmt.Fprintf(w, "Entries: %d\n\n", result.EntryCount)

	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case audit.StatusFail:
			tag = "[FAIL]"
		case audit.StatusWarn:
			tag = "[WARN]"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
		return
	}
	failures, warnings := result.Failures()
	fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

var (
	verifyJSONOutput bool
	verifyDB         bool
	verifyBucket     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the integrity of an audit chain",
	Long: `Reads an exported audit trail JSON file, or with --db a devicegate bbolt
audit database, and verifies the genesis anchor, each entry hash, chain
continuity, sequence numbers and timestamp ordering.

Exits 1 when the chain is invalid and 2 when the input cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	auditCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().BoolVar(&verifyDB, "db", false, "Treat the argument as a bbolt audit database")
	verifyCmd.Flags().StringVar(&verifyBucket, "bucket", audit.DefaultBucket, "Audit bucket inside the database")
}

func runVerify(cmd *cobra.Command, args []string) error {
	var (
		result verifyResult
		err    error
	)
	if verifyDB {
		result, err = verifyDatabase(args[0], verifyBucket)
	} else {
		result, err = verifyExportFile(args[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
