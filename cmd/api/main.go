package main

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/paytochat/paygate/internal/api"
	"github.com/paytochat/paygate/internal/config"
	"github.com/paytochat/paygate/internal/facilitator"
	"github.com/paytochat/paygate/internal/service"
	"github.com/paytochat/paygate/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ledgerStore, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer ledgerStore.Close()

	// Initialize Layers
	facilitatorClient := facilitator.NewClient(cfg.FacilitatorURL)
	settlementService := service.NewSettlementService(facilitatorClient, ledgerStore, cfg.Requirements())
	handler := api.NewHandler(ledgerStore, settlementService)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/settlements", handler.SettlementHandler).Methods("POST")
	apiV1.HandleFunc("/credits", handler.CreditsHandler).Methods("POST")
	apiV1.HandleFunc("/accounts", handler.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{address}", handler.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{address}/payments", handler.GetAccountPaymentsHandler).Methods("GET")
	apiV1.HandleFunc("/payments", handler.CreatePaymentHandler).Methods("POST")
	apiV1.HandleFunc("/transactions/{hash}", handler.GetTransactionHandler).Methods("GET")

	log.Printf("Server starting on :%s (facilitator: %s)", cfg.Port, cfg.FacilitatorURL)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		log.Fatal(err)
	}
}
