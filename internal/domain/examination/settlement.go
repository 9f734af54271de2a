package examination

// Settlement is the computed money breakdown for one visit. All amounts are
// integer currency units; percent discounts round toward zero.
type Settlement struct {
	ExaminationFee  int64
	ServiceFee      int64
	Subtotal        int64
	TotalDiscount   int64
	Total           int64
	MedicineRevenue int64
	MedicineCost    int64
}

// ComputeSettlement derives the settlement from the snapshots captured on the
// visit. Fixed discounts subtract their value directly; percent discounts
// apply against the full subtotal, not the running remainder, so their order
// never matters. The grand total is clamped at zero.
func ComputeSettlement(fee int64, services []ServiceLine, medicines []MedicineLine, discounts []Discount) Settlement {
	s := Settlement{ExaminationFee: fee}

	for _, line := range services {
		s.ServiceFee += line.Price * int64(line.Quantity)
	}
	s.Subtotal = s.ServiceFee + s.ExaminationFee

	for _, d := range discounts {
		switch d.Type {
		case DiscountPercent:
			s.TotalDiscount += s.Subtotal * d.Value / 100
		default:
			s.TotalDiscount += d.Value
		}
	}

	s.Total = s.Subtotal - s.TotalDiscount
	if s.Total < 0 {
		s.Total = 0
	}

	for _, m := range medicines {
		s.MedicineRevenue += m.Price * int64(m.Quantity)
		s.MedicineCost += m.CostPrice * int64(m.Quantity)
	}

	return s
}

// MedicineProfit is revenue minus cost over the dispensed medicines.
func (s Settlement) MedicineProfit() int64 {
	return s.MedicineRevenue - s.MedicineCost
}
