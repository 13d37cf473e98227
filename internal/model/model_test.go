package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAPIKeyJSONHidesHash(t *testing.T) {
	k := APIKey{ID: "k1", KeyHash: "deadbeef", KeyPrefix: "pk_ABCDEF12", Tier: TierFree, Status: StatusActive}

	b, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if _, ok := m["keyHash"]; ok {
		t.Error("key hash must never be serialized")
	}
	for _, v := range m {
		if v == "deadbeef" {
			t.Error("hash value leaked into JSON")
		}
	}
	if m["keyPrefix"] != "pk_ABCDEF12" {
		t.Errorf("keyPrefix = %v", m["keyPrefix"])
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusActive, false},
		{StatusInactive, false},
		{StatusRevoked, true},
		{StatusExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
	if Status("deleted").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestTierRank(t *testing.T) {
	if TierPremium.Rank() <= TierFree.Rank() {
		t.Error("premium must outrank free")
	}
	if Tier("gold").Valid() {
		t.Error("unknown tier reported valid")
	}
}

func TestMonthlyUsageResetsAcrossMonths(t *testing.T) {
	k := APIKey{MonthlyCount: 42, UsageMonth: "2025-01"}

	if got := k.MonthlyUsage(time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC)); got != 42 {
		t.Errorf("same month usage = %d, want 42", got)
	}
	if got := k.MonthlyUsage(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)); got != 0 {
		t.Errorf("next month usage = %d, want 0", got)
	}
}

func TestPatchApply(t *testing.T) {
	name := "renamed"
	status := StatusInactive
	var limit int64 = 10
	limitPtr := &limit
	var noLimit *int64

	k := APIKey{Name: "old", Status: StatusActive, MonthlyLimit: limitPtr}
	p := APIKeyPatch{Name: &name, Status: &status, DailyLimit: &limitPtr, MonthlyLimit: &noLimit}
	if p.Empty() {
		t.Fatal("patch reported empty")
	}
	p.Apply(&k)

	if k.Name != "renamed" || k.Status != StatusInactive {
		t.Errorf("got name=%q status=%q", k.Name, k.Status)
	}
	if k.DailyLimit == nil || *k.DailyLimit != 10 {
		t.Errorf("DailyLimit = %v, want 10", k.DailyLimit)
	}
	if k.MonthlyLimit != nil {
		t.Errorf("MonthlyLimit = %v, want nil", *k.MonthlyLimit)
	}
	if !(APIKeyPatch{}).Empty() {
		t.Error("zero patch should be empty")
	}
}
