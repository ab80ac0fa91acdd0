package cloud

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net/netip"
)

// partitionCIDR splits block into the smallest power-of-two set of equal
// subnets that covers count, truncated to the first count prefixes. Each
// increment of prefix length doubles the subnet count, so the extra bits are
// ceil(log2(count)).
func partitionCIDR(block netip.Prefix, count int) ([]netip.Prefix, error) {
	if count <= 0 {
		return nil, fmt.Errorf("subnet count must be positive, got %d", count)
	}
	if !block.Addr().Is4() {
		return nil, fmt.Errorf("%s is not an IPv4 block", block)
	}

	extra := bits.Len(uint(count - 1))
	newBits := block.Bits() + extra
	if newBits > 32 {
		return nil, fmt.Errorf("cidr block %s does not have enough addresses for %d subnets", block, count)
	}

	addr := block.Masked().Addr().As4()
	base := binary.BigEndian.Uint32(addr[:])
	step := uint32(1) << (32 - newBits)

	subnets := make([]netip.Prefix, 0, count)
	for i := 0; i < count; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], base+uint32(i)*step)
		subnets = append(subnets, netip.PrefixFrom(netip.AddrFrom4(b), newBits))
	}
	return subnets, nil
}
