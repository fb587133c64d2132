package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"TxPilot-Chain/sdk/go/txpilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(txpilot.Session{
			ID:        "sess-demo",
			Status:    "pending",
			CreatedAt: time.Now().Unix(),
			State: txpilot.Snapshot{
				Connected:      true,
				TotalApprovals: 1,
				CanApprove:     true,
			},
		})
	})
	mux.HandleFunc("POST /api/v1/sessions/sess-demo/approve", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(txpilot.Snapshot{
			Connected:               true,
			ApprovalIndex:           1,
			TotalApprovals:          1,
			IsApprovalPhaseComplete: true,
			CanExecute:              true,
		})
	})
	mux.HandleFunc("POST /api/v1/sessions/sess-demo/execute", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(txpilot.Snapshot{
			Connected:               true,
			ApprovalIndex:           1,
			TotalApprovals:          1,
			IsApprovalPhaseComplete: true,
			IsTxSuccess:             true,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := txpilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("demo-key")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.CreateSession(ctx, txpilot.CreateSessionRequest{
		Operation: &txpilot.Operation{
			Kind:    "token_transfer",
			ChainID: 1,
			To:      "0x3f5CE5FBFe3E9af3971dD833D26bA9b5C936f0bE",
			Token:   "USDC",
			Amount:  "0xf4240",
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created session %s (status=%s)\n", session.ID, session.Status)

	snap, err := client.Approve(ctx, session.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("approved %d/%d, can execute: %v\n", snap.ApprovalIndex, snap.TotalApprovals, snap.CanExecute)

	snap, err = client.Execute(ctx, session.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("main transaction success: %v\n", snap.IsTxSuccess)
}
