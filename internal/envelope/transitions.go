package envelope

// transitions is the authoritative list of legal status changes. A move
// within the same status is listed when an operation realizes it: a machine
// transfer stays IN_PRODUCTION and re-shelving stays IN_WAREHOUSE.
var transitions = map[Status][]Status{
	StatusInWarehouse:  {StatusIssued, StatusInWarehouse},
	StatusIssued:       {StatusInProduction, StatusInWarehouse},
	StatusInProduction: {StatusInProduction, StatusIssued, StatusOnReturnCart},
	StatusOnReturnCart: {StatusInWarehouse},
}

// holderTypes lists the holder types each status admits.
var holderTypes = map[Status][]HolderType{
	StatusInWarehouse:  {HolderWarehouse},
	StatusIssued:       {HolderCartOut, HolderFloor},
	StatusInProduction: {HolderMachine},
	StatusOnReturnCart: {HolderCartIn},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from status.
func NextStatuses(status Status) []Status {
	return append([]Status(nil), transitions[status]...)
}

// HolderTypeAllowed reports whether a status may be held by holderType.
func HolderTypeAllowed(status Status, holderType HolderType) bool {
	for _, allowed := range holderTypes[status] {
		if allowed == holderType {
			return true
		}
	}
	return false
}
