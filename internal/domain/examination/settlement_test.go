package examination

import "testing"

func TestComputeSettlement(t *testing.T) {
	tests := []struct {
		name      string
		fee       int64
		services  []ServiceLine
		medicines []MedicineLine
		discounts []Discount
		want      Settlement
	}{
		{
			name: "percent discount on subtotal",
			fee:  20000,
			services: []ServiceLine{
				{Name: "Nebulizer", Price: 40000, Quantity: 2},
			},
			discounts: []Discount{{Type: DiscountPercent, Value: 10}},
			want: Settlement{
				ExaminationFee: 20000,
				ServiceFee:     80000,
				Subtotal:       100000,
				TotalDiscount:  10000,
				Total:          90000,
			},
		},
		{
			name: "fixed discount clamped at zero",
			fee:  20000,
			services: []ServiceLine{
				{Name: "Nebulizer", Price: 40000, Quantity: 2},
			},
			discounts: []Discount{{Type: DiscountFixed, Value: 150000}},
			want: Settlement{
				ExaminationFee: 20000,
				ServiceFee:     80000,
				Subtotal:       100000,
				TotalDiscount:  150000,
				Total:          0,
			},
		},
		{
			name: "stacked percent discounts apply to the same base",
			fee:  0,
			services: []ServiceLine{
				{Name: "Checkup", Price: 100000, Quantity: 1},
			},
			discounts: []Discount{
				{Type: DiscountPercent, Value: 10},
				{Type: DiscountPercent, Value: 10},
			},
			want: Settlement{
				ServiceFee:    100000,
				Subtotal:      100000,
				TotalDiscount: 20000,
				Total:         80000,
			},
		},
		{
			name: "mixed discounts",
			fee:  20000,
			services: []ServiceLine{
				{Name: "Checkup", Price: 80000, Quantity: 1},
			},
			discounts: []Discount{
				{Type: DiscountPercent, Value: 10},
				{Type: DiscountFixed, Value: 5000},
			},
			want: Settlement{
				ExaminationFee: 20000,
				ServiceFee:     80000,
				Subtotal:       100000,
				TotalDiscount:  15000,
				Total:          85000,
			},
		},
		{
			name: "no services no discounts",
			fee:  20000,
			want: Settlement{
				ExaminationFee: 20000,
				Subtotal:       20000,
				Total:          20000,
			},
		},
		{
			name: "medicine revenue and cost tracked separately from the total",
			fee:  20000,
			medicines: []MedicineLine{
				{Name: "Amoxicillin", Price: 30000, CostPrice: 18000, Quantity: 2},
				{Name: "Paracetamol", Price: 10000, CostPrice: 4000, Quantity: 1},
			},
			want: Settlement{
				ExaminationFee:  20000,
				Subtotal:        20000,
				Total:           20000,
				MedicineRevenue: 70000,
				MedicineCost:    40000,
			},
		},
		{
			name: "percent discount rounds toward zero",
			fee:  0,
			services: []ServiceLine{
				{Name: "Checkup", Price: 33333, Quantity: 1},
			},
			discounts: []Discount{{Type: DiscountPercent, Value: 10}},
			want: Settlement{
				ServiceFee:    33333,
				Subtotal:      33333,
				TotalDiscount: 3333,
				Total:         30000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeSettlement(tt.fee, tt.services, tt.medicines, tt.discounts)
			if got != tt.want {
				t.Errorf("ComputeSettlement() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMedicineProfit(t *testing.T) {
	s := Settlement{MedicineRevenue: 70000, MedicineCost: 40000}
	if got := s.MedicineProfit(); got != 30000 {
		t.Errorf("MedicineProfit() = %d, want 30000", got)
	}
}
