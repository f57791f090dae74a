package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/utils"
	"bitbucket.org/mmdatafocus/orderlink_backend/workflow"
	"gorm.io/gorm"
)

// operation-rearm resets FAILED operations that exhausted their retry ceiling
// (next_retry_at NULL) back to REQUESTED so the sweeper picks them up again.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	operationID := flag.Int("operation-id", 0, "Single operations.id to re-arm (omit to list exhausted records)")
	kind := flag.String("kind", "", "Filter exhausted listing by kind")
	dryRun := flag.Bool("dry-run", true, "Show records only (no writes)")
	confirm := flag.String("confirm", "", "Type REARM to proceed when dry-run=false")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}
	if !*dryRun && strings.TrimSpace(*confirm) != "REARM" {
		fmt.Fprintln(os.Stderr, "set --confirm=REARM to proceed")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	ctx := utils.SetWorkerContext(context.Background(), *businessID)

	if *operationID <= 0 || *dryRun {
		listExhausted(ctx, db, *businessID, *kind)
		if *dryRun || *operationID <= 0 {
			return
		}
	}

	engine := workflow.NewOperationEngine(workflow.NewOperationStore(db), config.GetLogger())
	op, err := engine.Rearm(ctx, *businessID, *operationID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "re-arm failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("re-armed id=%d kind=%s natural_key=%s state=%s attempt_count=%d\n",
		op.ID, op.Kind, op.NaturalKey, op.State, op.AttemptCount)
}

func listExhausted(ctx context.Context, db *gorm.DB, businessID, kind string) {
	q := db.WithContext(ctx).
		Where("business_id = ? AND state = ? AND next_retry_at IS NULL", businessID, models.OperationStateFailed)
	if strings.TrimSpace(kind) != "" {
		q = q.Where("kind = ?", strings.TrimSpace(kind))
	}

	var ops []models.Operation
	if err := q.Order("id ASC").Limit(200).Find(&ops).Error; err != nil {
		fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
		os.Exit(1)
	}
	if len(ops) == 0 {
		fmt.Println("no exhausted FAILED operations")
		return
	}
	for _, op := range ops {
		code := ""
		if op.LastErrorCode != nil {
			code = *op.LastErrorCode
		}
		fmt.Printf("id=%d kind=%s natural_key=%s attempt_count=%d last_error_code=%s updated_at=%s\n",
			op.ID, op.Kind, op.NaturalKey, op.AttemptCount, code, op.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}
