package marketsync

import (
	"sync"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
	"bitbucket.org/mmdatafocus/orderlink_backend/models"
	"bitbucket.org/mmdatafocus/orderlink_backend/workflow"
)

var (
	engineOnce sync.Once
	engine     *workflow.OperationEngine
	callers    map[models.OperationKind]workflow.ExternalCaller
)

// GetEngine returns the shared operation engine, building it on first use.
// Callers must not reach here before the database has connected; the service
// readiness gate guarantees that for HTTP traffic.
func GetEngine() *workflow.OperationEngine {
	initEngine()
	return engine
}

func GetCallers() map[models.OperationKind]workflow.ExternalCaller {
	initEngine()
	return callers
}

func initEngine() {
	engineOnce.Do(func() {
		db := config.GetDB()
		engine = workflow.NewOperationEngine(workflow.NewOperationStore(db), config.GetLogger())
		callers = BuildCallers(db)
	})
}
