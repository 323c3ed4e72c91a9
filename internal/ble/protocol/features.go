package protocol

// Features is the Fitness Machine Feature characteristic (0x2ACC): two
// little-endian bit fields describing what the machine reports and which
// targets it accepts.
type Features struct {
	Machine       uint32 `json:"machine"`
	TargetSetting uint32 `json:"target_setting"`
}

// ParseMachineFeatures decodes a feature read. Older machines send only the
// first field; TargetSetting is then zero.
func ParseMachineFeatures(b []byte) (Features, error) {
	r := &reader{buf: b}
	f := Features{Machine: r.uint32("machine features")}
	if r.err != nil {
		return Features{}, r.err
	}
	if r.remaining() >= 4 {
		f.TargetSetting = r.uint32("target setting features")
	}
	return f, nil
}
