package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/curvebot/internal/crypto"
	"github.com/alanyoungcy/curvebot/internal/domain"
)

type mapSecrets map[string]string

func (m mapSecrets) Get(address string) (crypto.Material, bool) {
	s, ok := m[address]
	if !ok {
		return nil, false
	}
	return crypto.Material(s), true
}

type balanceMap map[string]float64

func (b balanceMap) Balance(_ context.Context, address string) (float64, error) {
	v, ok := b[address]
	if !ok {
		return 0, errors.New("rpc down")
	}
	return v, nil
}

func newTestPool(t *testing.T, balances ...float64) (*Pool, []string) {
	t.Helper()
	p := NewPool(mapSecrets{}, PoolConfig{Float64: func() float64 { return 0 }}, discardLogger())
	addrs := []string{"0xa", "0xb", "0xc", "0xd"}[:len(balances)]
	for i, a := range addrs {
		require.NoError(t, p.Register(a, domain.RoleTrading, ""))
		require.NoError(t, p.UpdateBalance(a, balances[i]))
	}
	return p, addrs
}

func TestPoolRoundRobinSkipsLowBalance(t *testing.T) {
	p, _ := newTestPool(t, 1, 2, 0)
	opts := SelectOptions{Strategy: domain.SelectRoundRobin, MinBalance: 0.5}

	var picks []string
	for i := 0; i < 4; i++ {
		a, ok := p.Select(opts)
		require.True(t, ok)
		picks = append(picks, a.Address)
	}
	assert.Equal(t, []string{"0xa", "0xb", "0xa", "0xb"}, picks)
}

func TestPoolSelectNoneEligible(t *testing.T) {
	p, _ := newTestPool(t, 0.1, 0.2)
	_, ok := p.Select(SelectOptions{MinBalance: 1})
	assert.False(t, ok)
}

func TestPoolSelectFilters(t *testing.T) {
	p, _ := newTestPool(t, 5, 5, 5)
	require.NoError(t, p.UpdateExposure("0xa", 100))
	require.NoError(t, p.Disable("0xb"))

	a, ok := p.Select(SelectOptions{MaxExposure: 50})
	require.True(t, ok)
	assert.Equal(t, "0xc", a.Address)

	_, ok = p.Select(SelectOptions{MaxExposure: 50, Exclude: []string{"0xC"}})
	assert.False(t, ok)

	_, ok = p.Select(SelectOptions{Role: domain.RoleTreasury})
	assert.False(t, ok)
}

func TestPoolWeightedUsesBalances(t *testing.T) {
	p, _ := newTestPool(t, 1, 3)
	r := 0.0
	p.cfg.Float64 = func() float64 { return r }

	r = 0.2 // 0.8 of 4 falls in the first actor's weight
	a, _ := p.Select(SelectOptions{Strategy: domain.SelectWeighted})
	assert.Equal(t, "0xa", a.Address)

	r = 0.5
	a, _ = p.Select(SelectOptions{Strategy: domain.SelectWeighted})
	assert.Equal(t, "0xb", a.Address)
}

func TestPoolWeightedZeroBalancesFallsBackToUniform(t *testing.T) {
	p, _ := newTestPool(t, 0, 0)
	p.cfg.Float64 = func() float64 { return 0.9 }
	a, ok := p.Select(SelectOptions{Strategy: domain.SelectWeighted})
	require.True(t, ok)
	assert.Equal(t, "0xb", a.Address)
}

func TestPoolHealthBasedPrefersFewestFailures(t *testing.T) {
	p, _ := newTestPool(t, 1, 1, 1)
	p.RecordFailure("0xa")
	p.RecordFailure("0xa")
	p.RecordFailure("0xb")

	a, ok := p.Select(SelectOptions{Strategy: domain.SelectHealthBased})
	require.True(t, ok)
	assert.Equal(t, "0xc", a.Address)
}

func TestPoolHealthTransitions(t *testing.T) {
	p, _ := newTestPool(t, 1)

	p.RecordFailure("0xa")
	a, _ := p.Get("0xa")
	assert.Equal(t, domain.HealthHealthy, a.Health)

	p.RecordFailure("0xa")
	a, _ = p.Get("0xa")
	assert.Equal(t, domain.HealthDegraded, a.Health)

	for i := 0; i < 3; i++ {
		p.RecordFailure("0xa")
	}
	a, _ = p.Get("0xa")
	assert.Equal(t, domain.HealthUnhealthy, a.Health)
	_, ok := p.Select(SelectOptions{})
	assert.False(t, ok)

	p.RecordSuccess("0xa")
	a, _ = p.Get("0xa")
	assert.Equal(t, domain.HealthHealthy, a.Health)
	assert.Zero(t, a.RecentFailures)
	assert.EqualValues(t, 1, a.TradeCount)
}

func TestPoolDisabledSurvivesSuccessAndFailure(t *testing.T) {
	p, _ := newTestPool(t, 1)
	require.NoError(t, p.Disable("0xa"))

	p.RecordSuccess("0xa")
	for i := 0; i < 6; i++ {
		p.RecordFailure("0xa")
	}
	a, _ := p.Get("0xa")
	assert.Equal(t, domain.HealthDisabled, a.Health)

	require.NoError(t, p.Enable("0xa"))
	a, _ = p.Get("0xa")
	assert.Equal(t, domain.HealthHealthy, a.Health)
	assert.Zero(t, a.RecentFailures)
}

func TestPoolRegisterDuplicate(t *testing.T) {
	p, _ := newTestPool(t, 1)
	err := p.Register("0xA", domain.RoleTrading, "")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestPoolWithSigningMaterialZeroes(t *testing.T) {
	p := NewPool(mapSecrets{"0xa": "key"}, PoolConfig{}, discardLogger())
	require.NoError(t, p.Register("0xa", domain.RoleTrading, ""))

	var seen crypto.Material
	err := p.WithSigningMaterial("0xa", func(key crypto.Material) error {
		assert.Equal(t, "key", string(key))
		seen = key
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0}, []byte(seen))
}

func TestPoolWithSigningMaterialMissingDisablesActor(t *testing.T) {
	p := NewPool(mapSecrets{}, PoolConfig{}, discardLogger())
	require.NoError(t, p.Register("0xa", domain.RoleTrading, ""))

	called := false
	err := p.WithSigningMaterial("0xa", func(crypto.Material) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrDecrypt)
	assert.False(t, called)
	a, _ := p.Get("0xa")
	assert.Equal(t, domain.HealthDisabled, a.Health)
}

func TestPoolRefreshBalancesKeepsPreviousOnError(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	p, _ := newTestPool(t, 1, 2)
	p.cfg.Clock = func() time.Time { return now }

	snaps := p.RefreshBalances(context.Background(), balanceMap{"0xa": 7})
	require.Len(t, snaps, 2)
	assert.Equal(t, 7.0, snaps[0].Balance)
	assert.Equal(t, 2.0, snaps[1].Balance)
	assert.Equal(t, now, snaps[0].TakenAt)
	assert.Equal(t, 9.0, p.TotalBalance())
}

func TestPoolActiveSetAndPrimary(t *testing.T) {
	p, _ := newTestPool(t, 1, 1, 1)

	a, ok := p.Primary()
	require.True(t, ok)
	assert.Equal(t, "0xa", a.Address)

	require.NoError(t, p.SetActive([]string{"0xc", "0xb"}))
	require.NoError(t, p.AddActive("0xb"))
	assert.Equal(t, []string{"0xc", "0xb"}, p.Active())

	a, _ = p.Primary()
	assert.Equal(t, "0xc", a.Address)

	p.RemoveActive("0xc")
	assert.Equal(t, []string{"0xb"}, p.Active())

	assert.ErrorIs(t, p.SetActive([]string{"0xzz"}), domain.ErrNotFound)
}

func TestSelectDrawsFromActiveSet(t *testing.T) {
	p, _ := newTestPool(t, 5, 1, 1)

	a, ok := p.Select(SelectOptions{Strategy: domain.SelectHealthBased})
	require.True(t, ok)
	assert.Equal(t, "0xa", a.Address)

	require.NoError(t, p.SetActive([]string{"0xb", "0xc"}))
	for range 4 {
		a, ok = p.Select(SelectOptions{Strategy: domain.SelectRoundRobin})
		require.True(t, ok)
		assert.NotEqual(t, "0xa", a.Address)
	}

	p.RemoveActive("0xb")
	p.RemoveActive("0xc")
	a, ok = p.Select(SelectOptions{Strategy: domain.SelectWeighted})
	require.True(t, ok)
	assert.Equal(t, "0xa", a.Address, "an empty active set means every actor")
}

func TestAdjustBalanceFloorsAtZero(t *testing.T) {
	p, _ := newTestPool(t, 1)
	require.NoError(t, p.AdjustBalance("0xa", -0.25))
	a, _ := p.Get("0xa")
	assert.Equal(t, 0.75, a.Balance)

	require.NoError(t, p.AdjustBalance("0xa", -5))
	a, _ = p.Get("0xa")
	assert.Zero(t, a.Balance)
	assert.ErrorIs(t, p.AdjustBalance("0xzz", 1), domain.ErrNotFound)
}

func TestPoolStatus(t *testing.T) {
	p, _ := newTestPool(t, 1, 2, 3)
	require.NoError(t, p.Disable("0xc"))
	require.NoError(t, p.UpdateExposure("0xa", 4))

	st := p.Status()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Healthy)
	assert.Equal(t, 1, st.Disabled)
	assert.Equal(t, 6.0, st.TotalBalance)
	assert.Equal(t, 4.0, st.TotalExposure)
}
