package utils

// MaxValue returns the largest plaintext value representable in width bits.
func MaxValue(width int) uint64 {
	if width <= 0 {
		return 0
	}
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

// InWidth reports whether v is representable in width bits.
func InWidth(v uint64, width int) bool {
	return v <= MaxValue(width)
}

func Min(a, b int) int {
	if a >= b {
		return b
	}
	return a
}

func Max(a, b int) int {
	if a >= b {
		return a
	}
	return b
}
