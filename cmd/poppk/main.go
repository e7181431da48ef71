// Command poppk fits population PK models (1/2/3-compartment) to a dosing
// and observation dataset via SAEM or FOCE/FOCE-I, and writes per-fit and
// cross-fit comparison reports. See Execute in root.go for flag wiring.
package main

func main() {
	Execute()
}
