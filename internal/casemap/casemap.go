// Package casemap implements the header-name byte transformation used by
// the Session-protocol header serializer: lowercase ASCII letters are
// uppercased and '-' becomes '_'. All other bytes pass through unchanged.
package casemap

// table maps every byte to its Session-protocol form. Built once at
// init time instead of by hand, but produces byte-for-byte the same
// result as the original hand-written 256-entry table.
var table [256]byte

func init() {
	for i := 0; i < 256; i++ {
		b := byte(i)
		switch {
		case b >= 'a' && b <= 'z':
			table[i] = b - ('a' - 'A')
		case b == '-':
			table[i] = '_'
		default:
			table[i] = b
		}
	}
}

// Map returns the Session-protocol form of a single byte.
func Map(b byte) byte {
	return table[b]
}

// Transform rewrites data in place. Processing happens in chunks of 8 bytes
// with a tail switch; this is purely an optimization, the observable result
// is identical to a scalar byte-by-byte loop.
func Transform(data []byte) {
	n := len(data)
	chunks := n / 8
	i := 0
	for c := 0; c < chunks; c++ {
		data[i+0] = table[data[i+0]]
		data[i+1] = table[data[i+1]]
		data[i+2] = table[data[i+2]]
		data[i+3] = table[data[i+3]]
		data[i+4] = table[data[i+4]]
		data[i+5] = table[data[i+5]]
		data[i+6] = table[data[i+6]]
		data[i+7] = table[data[i+7]]
		i += 8
	}

	switch n - i {
	case 7:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 6:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 5:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 4:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 3:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 2:
		data[i] = table[data[i]]
		i++
		fallthrough
	case 1:
		data[i] = table[data[i]]
	}
}
