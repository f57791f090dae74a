package models

import (
	"log"

	"bitbucket.org/mmdatafocus/orderlink_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Operation{},
		&IntegrationConnection{}, &IntegrationEntityMapping{}, &IntegrationSyncError{},
		&MarketplaceOrder{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
