package billing

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/shopspring/decimal"
)

func intp(v int) *int { return &v }

func amt(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func at(day, h, m int) time.Time { return time.Date(2024, 3, day, h, m, 0, 0, time.UTC) }

func newBook(t *testing.T, rules ...rates.RateRule) *rates.Book {
	t.Helper()
	book, err := rates.NewBook(rules, nil)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	return book
}

func stopped(gameType string, start, end time.Time, players ...session.Player) session.TableSession {
	if len(players) == 0 {
		players = []session.Player{{Name: "CASH"}}
	}
	return session.TableSession{
		ID:        "s1",
		TableID:   "T1",
		Status:    session.StatusStopped,
		GameType:  gameType,
		Players:   players,
		StartTime: &start,
		EndTime:   &end,
	}
}

func TestComputeDayMinimumPlusPerMinute(t *testing.T) {
	calc := NewCalculator(newBook(t, rates.RateRule{
		GameType: "pool", DayUptoMin: intp(15), DayMinAmt: amt("50"), DayPerMin: amt("30"),
	}))

	bill, err := calc.Compute(stopped("pool", at(1, 14, 0), at(1, 14, 40)), at(1, 15, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(bill.LineItems) != 1 {
		t.Fatalf("LineItems = %+v", bill.LineItems)
	}
	item := bill.LineItems[0]
	if item.Title != TitleDayMinutes || item.Minutes != 40 || !item.Amount.Equal(dec("800")) {
		t.Errorf("line item = %+v, want Day Minutes 40 = 800", item)
	}
	if !bill.SubTotal.Equal(dec("800")) || !bill.Total.Equal(dec("800")) {
		t.Errorf("SubTotal = %s Total = %s, want 800", bill.SubTotal, bill.Total)
	}
}

func TestComputeSplitsAtNightBoundary(t *testing.T) {
	rule := rates.RateRule{
		GameType:     "pool",
		DayUptoMin:   intp(10),
		DayMinAmt:    amt("20"),
		DayPerMin:    amt("5"),
		NightUptoMin: intp(30),
		NightMinAmt:  amt("40"),
		NightPerMin:  amt("10"),
	}

	tests := []struct {
		name      string
		window    rates.NightWindow
		wantDay   int
		wantNight int
		wantTotal string
	}{
		{"night starts at midnight", rates.NightWindow{Start: "00:00", End: "06:00"}, 10, 20, "60"},
		{"session inside the night window", rates.NightWindow{Start: "22:00", End: "06:00"}, 0, 30, "40"},
		{"session before the night window", rates.NightWindow{Start: "01:00", End: "06:00"}, 30, 0, "120"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule
			w := tt.window
			r.NightWindow = &w
			calc := NewCalculator(newBook(t, r))

			bill, err := calc.Compute(stopped("pool", at(1, 23, 50), at(2, 0, 20)), at(2, 1, 0), nil, Options{})
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if bill.DayMinutes != tt.wantDay || bill.NightMinutes != tt.wantNight {
				t.Errorf("day/night = %d/%d, want %d/%d", bill.DayMinutes, bill.NightMinutes, tt.wantDay, tt.wantNight)
			}
			if !bill.GameTotal.Equal(dec(tt.wantTotal)) {
				t.Errorf("GameTotal = %s, want %s", bill.GameTotal, tt.wantTotal)
			}
		})
	}
}

func TestComputeExcludesPausesFromNightTime(t *testing.T) {
	rule := rates.RateRule{
		GameType:    "pool",
		DayPerMin:   amt("1"),
		NightPerMin: amt("2"),
		NightWindow: &rates.NightWindow{Start: "22:00", End: "06:00"},
	}
	calc := NewCalculator(newBook(t, rule))

	s := stopped("pool", at(1, 21, 50), at(1, 22, 20))
	s.Pauses = []session.Interval{{Start: at(1, 22, 0), End: at(1, 22, 10)}}
	s.PauseMinute = 10

	bill, err := calc.Compute(s, at(1, 23, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.DayMinutes != 10 || bill.NightMinutes != 10 {
		t.Errorf("day/night = %d/%d, want 10/10", bill.DayMinutes, bill.NightMinutes)
	}
	if !bill.GameTotal.Equal(dec("30")) {
		t.Errorf("GameTotal = %s, want 30", bill.GameTotal)
	}

	// Without interval records the paused time comes off the end.
	s.Pauses = nil
	bill, err = calc.Compute(s, at(1, 23, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.DayMinutes != 10 || bill.NightMinutes != 10 {
		t.Errorf("unrecorded pauses: day/night = %d/%d, want 10/10", bill.DayMinutes, bill.NightMinutes)
	}
}

func TestComputeUsesConfiguredLocation(t *testing.T) {
	rule := rates.RateRule{
		GameType:    "pool",
		DayPerMin:   amt("1"),
		NightPerMin: amt("2"),
		NightWindow: &rates.NightWindow{Start: "22:00", End: "06:00"},
	}
	s := stopped("pool", at(1, 20, 30), at(1, 21, 0))

	bill, err := NewCalculator(newBook(t, rule)).Compute(s, at(1, 22, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.NightMinutes != 0 {
		t.Errorf("UTC night minutes = %d, want 0", bill.NightMinutes)
	}

	local := NewCalculator(newBook(t, rule), WithLocation(time.FixedZone("UTC+2", 2*60*60)))
	bill, err = local.Compute(s, at(1, 22, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.NightMinutes != 30 {
		t.Errorf("local night minutes = %d, want 30", bill.NightMinutes)
	}
}

func TestComputeMissingBucketContributesZero(t *testing.T) {
	rule := rates.RateRule{
		GameType:    "pool",
		DayPerMin:   amt("1"),
		NightWindow: &rates.NightWindow{Start: "22:00", End: "06:00"},
	}
	calc := NewCalculator(newBook(t, rule))

	bill, err := calc.Compute(stopped("pool", at(1, 21, 30), at(1, 22, 30)), at(1, 23, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.NightMinutes != 30 || bill.DayMinutes != 30 {
		t.Fatalf("day/night = %d/%d, want 30/30", bill.DayMinutes, bill.NightMinutes)
	}
	if !bill.GameTotal.Equal(dec("30")) {
		t.Errorf("GameTotal = %s, want 30 (night not offered)", bill.GameTotal)
	}
}

func TestComputeTotals(t *testing.T) {
	calc := NewCalculator(newBook(t, rates.RateRule{
		GameType: "pool", DayUptoMin: intp(15), DayMinAmt: amt("50"), DayPerMin: amt("30"),
	}))
	s := stopped("pool", at(1, 14, 0), at(1, 14, 40))
	products := []Product{{Name: "Cola", Category: "drinks", Amount: dec("120")}}

	tests := []struct {
		name         string
		discount     string
		taxRate      string
		wantDiscount string
		wantTax      string
		wantTotal    string
	}{
		{"no adjustments", "0", "0", "0", "0", "920"},
		{"discount and tax", "100", "18", "100", "147.6", "967.6"},
		{"tax rounds half up", "1", "0.5", "1", "4.6", "923.6"},
		{"discount above subtotal clamps", "5000", "10", "920", "0", "0"},
		{"negative discount ignored", "-10", "0", "0", "0", "920"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bill, err := calc.Compute(s, at(1, 15, 0), products, Options{Discount: dec(tt.discount), TaxRate: dec(tt.taxRate)})
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if !bill.GameTotal.Equal(dec("800")) || !bill.SubTotal.Equal(dec("920")) {
				t.Fatalf("GameTotal = %s SubTotal = %s", bill.GameTotal, bill.SubTotal)
			}
			if !bill.Discount.Equal(dec(tt.wantDiscount)) {
				t.Errorf("Discount = %s, want %s", bill.Discount, tt.wantDiscount)
			}
			if !bill.Tax.Equal(dec(tt.wantTax)) {
				t.Errorf("Tax = %s, want %s", bill.Tax, tt.wantTax)
			}
			if !bill.Total.Equal(dec(tt.wantTotal)) {
				t.Errorf("Total = %s, want %s", bill.Total, tt.wantTotal)
			}
			if want := bill.SubTotal.Sub(bill.Discount).Add(bill.Tax); !bill.Total.Equal(want) || bill.Total.IsNegative() {
				t.Errorf("Total %s breaks subTotal - discount + tax = %s", bill.Total, want)
			}
		})
	}

	if len(products) != 1 {
		t.Fatal("products mutated")
	}
}

func TestComputeErrors(t *testing.T) {
	calc := NewCalculator(newBook(t, rates.RateRule{GameType: "pool", DayPerMin: amt("1")}))

	_, err := calc.Compute(stopped("darts", at(1, 14, 0), at(1, 15, 0)), at(1, 15, 0), nil, Options{})
	if !errors.Is(err, rates.ErrConfiguration) {
		t.Errorf("unknown game type: got %v", err)
	}

	idle := session.TableSession{TableID: "T1", Status: session.StatusIdle, GameType: "pool"}
	if _, err := calc.Compute(idle, at(1, 15, 0), nil, Options{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("idle session: got %v", err)
	}

	s := stopped("pool", at(1, 14, 0), at(1, 15, 0))
	if _, err := calc.Compute(s, at(1, 15, 0), []Product{{Name: "Refund", Amount: dec("-5")}}, Options{}); !errors.Is(err, ErrInvalidCharge) {
		t.Errorf("negative product: got %v", err)
	}
	if _, err := calc.Compute(s, at(1, 15, 0), nil, Options{TaxRate: dec("-1")}); !errors.Is(err, ErrInvalidCharge) {
		t.Errorf("negative tax rate: got %v", err)
	}
}

func TestComputeClampsClockSkew(t *testing.T) {
	calc := NewCalculator(newBook(t, rates.RateRule{GameType: "pool", DayMinAmt: amt("50"), DayPerMin: amt("1")}))
	start := at(1, 15, 0)
	s := session.TableSession{
		TableID:   "T1",
		Status:    session.StatusRunning,
		GameType:  "pool",
		Players:   []session.Player{{Name: "CASH"}},
		StartTime: &start,
	}

	bill, err := calc.Compute(s, at(1, 14, 0), nil, Options{})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if bill.BillableMinutes != 0 || !bill.Total.IsZero() {
		t.Errorf("BillableMinutes = %d Total = %s, want 0/0", bill.BillableMinutes, bill.Total)
	}
	if len(bill.Warnings) == 0 {
		t.Error("expected a clock anomaly warning")
	}
}

func TestComputeSplitsByPlayerTime(t *testing.T) {
	book := newBook(t, rates.RateRule{GameType: "pool", DayPerMin: amt("1")})
	calc := NewCalculator(book)
	tc := clock.NewTestClock(at(1, 14, 0))
	m := session.NewMachine("T1", book, session.WithClock(tc), session.WithPricer(calc))

	alice := session.Player{CustomerID: "alice"}
	bob := session.Player{CustomerID: "bob"}
	if _, err := m.Start("pool", []session.Player{alice}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(20 * time.Minute)
	_, _ = m.Pause()
	tc.Advance(5 * time.Minute)
	_, brk, err := m.Resume(&bob)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !brk.Amount.Equal(dec("20")) {
		t.Errorf("break amount = %s, want 20", brk.Amount)
	}
	tc.Advance(15 * time.Minute)
	s, _ := m.Stop()

	bill, err := calc.Compute(s, tc.Now(), []Product{{Name: "Chips", Amount: dec("5")}}, Options{Split: SplitByTime})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !bill.SubTotal.Equal(dec("40")) {
		t.Fatalf("SubTotal = %s, want 40", bill.SubTotal)
	}

	want := map[string]string{bob.Key(): "17.15", alice.Key(): "22.85"}
	sum := decimal.Zero
	for _, share := range bill.CustomerBillBreakup {
		sum = sum.Add(share.Amount)
		if !share.Amount.Equal(dec(want[share.Player.Key()])) {
			t.Errorf("%s share = %s, want %s", share.Player, share.Amount, want[share.Player.Key()])
		}
	}
	if !sum.Equal(bill.SubTotal) {
		t.Errorf("shares sum to %s, want %s", sum, bill.SubTotal)
	}

	bill, err = calc.Compute(s, tc.Now(), nil, Options{Split: SplitEven})
	if err != nil {
		t.Fatalf("Compute even: %v", err)
	}
	for _, share := range bill.CustomerBillBreakup {
		if !share.Amount.Equal(dec("17.5")) {
			t.Errorf("even share for %s = %s, want 17.5", share.Player, share.Amount)
		}
	}
}

func TestComputeByTimeFollowsHandoversOnly(t *testing.T) {
	book := newBook(t, rates.RateRule{GameType: "pool", DayPerMin: amt("20")})
	calc := NewCalculator(book)

	a := session.Player{Name: "A"}
	b := session.Player{Name: "B"}
	s := stopped("pool", at(1, 14, 0), at(1, 14, 40), a, b)

	tests := []struct {
		mode SplitMode
		want map[string]string
	}{
		{SplitByTime, map[string]string{"A": "800", "B": "0"}},
		{SplitEven, map[string]string{"A": "400", "B": "400"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			bill, err := calc.Compute(s, at(1, 14, 40), nil, Options{Split: tt.mode})
			if err != nil {
				t.Fatalf("Compute: %v", err)
			}
			if len(bill.CustomerBillBreakup) != 2 {
				t.Fatalf("shares = %+v", bill.CustomerBillBreakup)
			}
			for _, share := range bill.CustomerBillBreakup {
				if want := tt.want[share.Player.Name]; !share.Amount.Equal(dec(want)) {
					t.Errorf("%s share = %s, want %s", share.Player, share.Amount, want)
				}
			}
		})
	}
}

func TestAllocateSumsExactly(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		weights []int64
		want    []string
	}{
		{"three way", "100", []int64{1, 1, 1}, []string{"33.34", "33.33", "33.33"}},
		{"single player", "12.34", []int64{5}, []string{"12.34"}},
		{"nobody played", "50", []int64{0, 0}, []string{"50", "0"}},
		{"idle player gets nothing", "10", []int64{1, 0, 2}, []string{"3.34", "0", "6.66"}},
		{"seven way", "1", []int64{1, 1, 1, 1, 1, 1, 1}, []string{"0.16", "0.14", "0.14", "0.14", "0.14", "0.14", "0.14"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(dec(tt.amount), tt.weights, 2)
			sum := decimal.Zero
			for i, share := range got {
				sum = sum.Add(share)
				if !share.Equal(dec(tt.want[i])) {
					t.Errorf("share[%d] = %s, want %s", i, share, tt.want[i])
				}
			}
			if !sum.Equal(dec(tt.amount)) {
				t.Errorf("shares sum to %s, want %s", sum, tt.amount)
			}
		})
	}
}

func TestParseSplitMode(t *testing.T) {
	for in, want := range map[string]SplitMode{"": SplitNone, "time": SplitByTime, "BY_TIME": SplitByTime, "even": SplitEven} {
		got, err := ParseSplitMode(in)
		if err != nil || got != want {
			t.Errorf("ParseSplitMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSplitMode("random"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
