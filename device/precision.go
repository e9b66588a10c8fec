package device

// Precision represents the numeric precision policy of a runtime.
type Precision string

// Precision constants are the supported policies.
const (
	PrecisionFP16 Precision = "FP16"
	PrecisionFP32 Precision = "FP32"
)

// PolicyFor returns the precision policy for a backend.
//
// Accelerators run the mixed FP16 policy when enabled; the CPU always runs FP32.
// The trainable head and its outputs stay FP32 under either policy.
func PolicyFor(b Backend, mixed bool) Precision {
	if mixed && b.IsGPU() {
		return PrecisionFP16
	}
	return PrecisionFP32
}
