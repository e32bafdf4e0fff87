package handlers

import (
	"context"
	"net/http"
	"testing"

	"loyalty-backend/models"
	"loyalty-backend/services"

	"github.com/google/uuid"
)

func TestGetActiveChallenges(t *testing.T) {
	router := setupRouter(setupLoyalty())
	seedChallenge(t, "SPRING-ORDERS", models.ChallengeOrderCount, 3)
	future := seedChallenge(t, "SUMMER-ORDERS", models.ChallengeOrderCount, 3)
	testDB.Model(&future).Updates(map[string]interface{}{
		"start_date": testNow.AddDate(0, 2, 0),
		"end_date":   testNow.AddDate(0, 3, 0),
	})

	w := serve(router, jsonRequest("GET", "/api/challenges/active", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	active := parseResponseArray(w)
	if len(active) != 1 || active[0].(map[string]interface{})["code"] != "SPRING-ORDERS" {
		t.Errorf("expected only the open challenge, got %v", active)
	}

	w = serve(router, jsonRequest("GET", "/api/challenges/upcoming", nil))
	upcoming := parseResponseArray(w)
	if len(upcoming) != 1 || upcoming[0].(map[string]interface{})["code"] != "SUMMER-ORDERS" {
		t.Errorf("expected the future challenge, got %v", upcoming)
	}
}

func TestGetChallengeByIDAndCode(t *testing.T) {
	router := setupRouter(setupLoyalty())
	ch := seedChallenge(t, "REVIEWER", models.ChallengeReviewCount, 2)

	w := serve(router, jsonRequest("GET", "/api/challenges/"+ch.ID.String(), nil))
	if w.Code != http.StatusOK || parseResponse(w)["code"] != "REVIEWER" {
		t.Fatalf("expected the challenge by id, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(router, jsonRequest("GET", "/api/challenges/code/REVIEWER", nil))
	if w.Code != http.StatusOK || parseResponse(w)["id"] != ch.ID.String() {
		t.Fatalf("expected the challenge by code, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(router, jsonRequest("GET", "/api/challenges/"+uuid.NewString(), nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown id, got %d", w.Code)
	}

	w = serve(router, jsonRequest("GET", "/api/challenges/not-a-uuid", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a malformed id, got %d", w.Code)
	}
}

func TestGetChallengesBySeason(t *testing.T) {
	router := setupRouter(setupLoyalty())
	seedChallenge(t, "SPRING-1", models.ChallengeOrderCount, 1)

	w := serve(router, jsonRequest("GET", "/api/challenges/season/spring/2026", nil))
	if w.Code != http.StatusOK || len(parseResponseArray(w)) != 1 {
		t.Errorf("expected one spring challenge, got %d: %s", w.Code, w.Body.String())
	}

	w = serve(router, jsonRequest("GET", "/api/challenges/season/spring/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a bad year, got %d", w.Code)
	}
}

func TestMyProgressAndClaim(t *testing.T) {
	loyalty := setupLoyalty()
	router := setupRouter(loyalty)
	customer, token := customerToken(t)
	ch := seedChallenge(t, "FIRST-REVIEW", models.ChallengeReviewCount, 1)

	_, err := loyalty.Challenges.Apply(context.Background(), services.ProgressEvent{
		Kind: services.ProgressReview, CustomerID: customer, OccurredAt: testNow,
	})
	if err != nil {
		t.Fatalf("failed to apply progress: %v", err)
	}

	w := serve(router, authRequest("GET", "/api/challenges/my-progress", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := parseResponse(w)
	active := resp["active"].([]interface{})
	if len(active) != 1 || active[0].(map[string]interface{})["percent"].(float64) != 100 {
		t.Errorf("expected the challenge at 100 percent, got %v", active)
	}

	w = serve(router, authRequest("GET", "/api/challenges/claimable", nil, token))
	if len(parseResponseArray(w)) != 1 {
		t.Fatalf("expected 1 claimable reward, got %s", w.Body.String())
	}

	w = serve(router, authRequest("POST", "/api/challenges/"+ch.ID.String()+"/claim", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if parseResponse(w)["reward_type"] != "POINTS" {
		t.Errorf("expected a points reward, got %v", parseResponse(w))
	}

	w = serve(router, authRequest("POST", "/api/challenges/"+ch.ID.String()+"/claim", nil, token))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on second claim, got %d", w.Code)
	}

	balance, _ := loyalty.Ledger.Balance(context.Background(), customer)
	if balance != 200 {
		t.Errorf("expected balance 200, got %d", balance)
	}
}

func TestClaimNotCompleted(t *testing.T) {
	router := setupRouter(setupLoyalty())
	_, token := customerToken(t)
	ch := seedChallenge(t, "THREE-REVIEWS", models.ChallengeReviewCount, 3)

	w := serve(router, authRequest("POST", "/api/challenges/"+ch.ID.String()+"/claim", nil, token))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClaimRejectsServiceToken(t *testing.T) {
	router := setupRouter(setupLoyalty())
	ch := seedChallenge(t, "ANY", models.ChallengeReviewCount, 1)

	w := serve(router, authRequest("POST", "/api/challenges/"+ch.ID.String()+"/claim", nil, serviceToken(t)))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestGetChallengeProgress(t *testing.T) {
	loyalty := setupLoyalty()
	router := setupRouter(loyalty)
	customer, token := customerToken(t)
	ch := seedChallenge(t, "TWO-REVIEWS", models.ChallengeReviewCount, 2)

	w := serve(router, authRequest("GET", "/api/challenges/"+ch.ID.String()+"/my-progress", nil, token))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := parseResponse(w)
	if resp["current_progress"].(float64) != 0 || resp["is_completed"].(bool) {
		t.Errorf("expected zero progress before any event, got %v", resp)
	}

	loyalty.Challenges.Apply(context.Background(), services.ProgressEvent{
		Kind: services.ProgressReview, CustomerID: customer, OccurredAt: testNow,
	})
	w = serve(router, authRequest("GET", "/api/challenges/"+ch.ID.String()+"/my-progress", nil, token))
	resp = parseResponse(w)
	if resp["current_progress"].(float64) != 1 || resp["percent"].(float64) != 50 {
		t.Errorf("expected 1 of 2 at 50 percent, got %v", resp)
	}

	w = serve(router, authRequest("GET", "/api/challenges/"+uuid.New().String()+"/my-progress", nil, token))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown challenge, got %d", w.Code)
	}

	w = serve(router, authRequest("GET", "/api/challenges/not-a-uuid/my-progress", nil, token))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid id, got %d", w.Code)
	}
}
