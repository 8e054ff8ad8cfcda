package crypto

// V1 key/IV derivation salts.
//
// The distilled specification is explicit that these bytes are not
// derivable from the spec itself — they are constants baked into the
// reference client and must be reconciled against an observed session or a
// known-good client (see SPEC_FULL.md §9 Open Questions). The values below
// are placeholders in the same shape and position as the real constants so
// the KDF below is structurally complete and testable with a local_key of
// our own choosing; they are NOT asserted to match a real device's salts.
var (
	v1Salt1 = []byte("RoboCipher_Salt1_v1")
	v1Salt2 = []byte("RoboCipher_Salt2_v1")
	v1Salt3 = []byte("RoboCipher_Salt3_v1")
	v1Salt4 = []byte("RoboCipher_Salt4_v1")
)
