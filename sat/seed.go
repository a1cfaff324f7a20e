package sat

import "time"

// SeedData returns the demo catalog: five machines and three incidents with
// their activity logs.
func SeedData() ([]Machine, []Incident) {
	at := func(month time.Month, day, hour, min int) time.Time {
		return time.Date(2024, month, day, hour, min, 0, 0, time.UTC)
	}
	client := Ptr("Cliente Final")

	machines := []Machine{
		{ID: "APP001", Type: "Lavadora", Brand: "Fagor", Model: "3KB-8800", Serial: "FGR-W-8800-01", Location: Ptr("Cocina"), Available: true},
		{ID: "APP002", Type: "Frigorífico", Brand: "Samsung", Model: "RF260", Serial: "SMG-F-260-22", Location: Ptr("Cocina"), Available: true},
		{ID: "APP003", Type: "Secadora", Brand: "Bosch", Model: "Serie 6", Serial: "BSC-D-600-99", Location: Ptr("Lavandería"), Available: true},
		{ID: "APP004", Type: "Horno", Brand: "Beko", Model: "BIE22300", Serial: "BKO-O-223-11", Location: Ptr("Cocina"), Available: false},
		{ID: "APP005", Type: "Lavavajillas", Brand: "Fagor", Model: "LVF-13", Serial: "FGR-D-13-55", Location: Ptr("Cocina"), Available: true},
	}

	incidents := []Incident{
		{
			ID:          "INC-001",
			MachineID:   "APP001",
			Title:       "Centrifugado ruidoso",
			Description: Ptr("La lavadora hace un ruido muy fuerte al centrifugar a altas revoluciones."),
			Status:      StatusOpen,
			Priority:    PriorityHigh,
			ReportedBy:  client,
			CreatedAt:   at(time.May, 10, 9, 30),
			Logs: []IncidentLog{
				{Author: AuthorSystem, Text: TextCreated, Date: at(time.May, 10, 9, 35)},
				{Author: "Téc. Maria", Text: "Solicitada visita técnica.", Date: at(time.May, 10, 10, 0)},
			},
		},
		{
			ID:          "INC-002",
			MachineID:   "APP004",
			Title:       "No calienta",
			Description: Ptr("El horno enciende pero no alcanza la temperatura deseada."),
			Status:      StatusInProgress,
			Priority:    PriorityCritical,
			ReportedBy:  client,
			CreatedAt:   at(time.May, 11, 8, 0),
			Logs: []IncidentLog{
				{Author: AuthorSystem, Text: TextCreated, Date: at(time.May, 11, 8, 0)},
				{Author: "Téc. Pedro", Text: "Resistencia quemada. Repuesto solicitado.", Date: at(time.May, 11, 9, 15)},
			},
		},
		{
			ID:          "INC-003",
			MachineID:   "APP002",
			Title:       "Fuga de agua",
			Description: Ptr("Pequeño charco de agua bajo el frigorífico."),
			Status:      StatusResolved,
			Priority:    PriorityMedium,
			ReportedBy:  client,
			CreatedAt:   at(time.May, 8, 14, 20),
			ClosedAt:    Ptr(at(time.May, 9, 11, 5)),
			Logs: []IncidentLog{
				{Author: AuthorSystem, Text: TextCreated, Date: at(time.May, 8, 14, 20)},
				{Author: "Téc. Maria", Text: "Desagüe desatascado.", Date: at(time.May, 9, 11, 0)},
			},
		},
	}
	return machines, incidents
}
