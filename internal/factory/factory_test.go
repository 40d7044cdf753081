package factory

import (
	"context"
	"testing"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/stream"
	"clubfund.org/internal/token"
)

var (
	factoryAddr, _ = addr.Parse("0x00000000000000000000000000000000000000f1")
	owner, _       = addr.Parse("0x00000000000000000000000000000000000000a1")
	other, _       = addr.Parse("0x00000000000000000000000000000000000000a2")
)

func TestDeployLandsAtDerivedAddress(t *testing.T) {
	f := New(factoryAddr, nil)
	ctx := context.Background()

	expected := f.AddressFor(owner)
	got, err := f.Deploy(ctx, owner, "Test Token", "TST")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if got != expected {
		t.Fatalf("deployed at %s, derived %s", got, expected)
	}

	// AddressFor stays pure and stable after the deploy.
	if f.AddressFor(owner) != expected {
		t.Fatal("AddressFor changed after deploy")
	}
}

func TestDeployMintsInitialSupplyToOwner(t *testing.T) {
	f := New(factoryAddr, nil)
	ctx := context.Background()

	tokenAddr, err := f.Deploy(ctx, owner, "Test Token", "TST")
	if err != nil {
		t.Fatal(err)
	}
	ledger, err := f.Token(tokenAddr)
	if err != nil {
		t.Fatal(err)
	}
	bal, _ := ledger.BalanceOf(ctx, owner)
	if bal != InitialSupply {
		t.Fatalf("owner balance = %d, want %d", bal, InitialSupply)
	}
}

func TestDuplicateDeployRejected(t *testing.T) {
	f := New(factoryAddr, nil)
	ctx := context.Background()

	first, err := f.Deploy(ctx, owner, "Test Token", "TST")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Deploy(ctx, owner, "Another", "ANT"); err != ErrAlreadyDeployed {
		t.Fatalf("expected ErrAlreadyDeployed, got %v", err)
	}

	// The record must be unchanged by the failed attempt.
	rec, ok := f.RecordFor(owner)
	if !ok || rec.Token != first || rec.Name != "Test Token" {
		t.Fatalf("record mutated by failed deploy: %+v", rec)
	}
}

func TestDistinctOwnersDistinctTokens(t *testing.T) {
	f := New(factoryAddr, nil)
	ctx := context.Background()

	a, err := f.Deploy(ctx, owner, "Token A", "TKA")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Deploy(ctx, other, "Token B", "TKB")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two owners deployed to the same address")
	}
}

func TestUnknownTokenLookup(t *testing.T) {
	f := New(factoryAddr, nil)
	if _, err := f.Token(owner); err != token.ErrUnknownToken {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestDeployEmitsEvent(t *testing.T) {
	bus := stream.New(8)
	f := New(factoryAddr, bus)

	tokenAddr, err := f.Deploy(context.Background(), owner, "Test Token", "TST")
	if err != nil {
		t.Fatal(err)
	}
	recent := bus.Recent()
	if len(recent) != 1 {
		t.Fatalf("expected 1 event, got %d", len(recent))
	}
	evt := recent[0]
	if evt.Type != stream.TypeDeploy || evt.Owner != owner || evt.Token != tokenAddr {
		t.Fatalf("unexpected deploy event: %+v", evt)
	}
}
