package paging

import (
	"kernsim/pkg/kerr"
)

// The helpers below move bytes between address spaces by translating
// every page explicitly, so they work on inactive directories and never
// depend on what the MMU currently has loaded.

// ReadVirtual copies len(buf) bytes starting at virt in dir into buf.
func ReadVirtual(dir *Directory, virt uint32, buf []byte) error {
	for done := 0; done < len(buf); {
		pa, err := dir.Translate(virt + uint32(done))
		if err != nil {
			return kerr.Wrapf(err, kerr.BadAddress, "read %#x", virt+uint32(done))
		}
		n := chunk(pa, len(buf)-done)
		dir.mem.Read(pa, buf[done:done+n])
		done += n
	}
	return nil
}

// WriteVirtual copies data to virt in dir. Every destination page must be
// mapped writable.
func WriteVirtual(dir *Directory, virt uint32, data []byte) error {
	for done := 0; done < len(data); {
		va := virt + uint32(done)
		flags, ok := dir.Flags(va)
		if !ok || !flags.Has(Writable) {
			return kerr.Newf(kerr.BadAddress, "write %#x: not mapped writable", va)
		}
		pa, err := dir.Translate(va)
		if err != nil {
			return kerr.Wrapf(err, kerr.BadAddress, "write %#x", va)
		}
		n := chunk(pa, len(data)-done)
		dir.mem.Write(pa, data[done:done+n])
		done += n
	}
	return nil
}

// Copy moves n bytes from srcVirt in src to dstVirt in dst. The two
// directories may be the same or different, active or not.
func Copy(dst *Directory, dstVirt uint32, src *Directory, srcVirt uint32, n uint32) error {
	buf := make([]byte, PageSize)
	for n > 0 {
		size := min(n, PageSize)
		if err := ReadVirtual(src, srcVirt, buf[:size]); err != nil {
			return err
		}
		if err := WriteVirtual(dst, dstVirt, buf[:size]); err != nil {
			return err
		}
		srcVirt += size
		dstVirt += size
		n -= size
	}
	return nil
}

// ReadString reads a NUL-terminated string of at most limit bytes.
func ReadString(dir *Directory, virt uint32, limit int) (string, error) {
	var out []byte
	for len(out) < limit {
		pa, err := dir.Translate(virt)
		if err != nil {
			return "", kerr.Wrapf(err, kerr.BadAddress, "read string at %#x", virt)
		}
		n := chunk(pa, limit-len(out))
		for _, b := range dir.mem.Slice(pa, uint32(n)) {
			if b == 0 {
				return string(out), nil
			}
			out = append(out, b)
		}
		virt += uint32(n)
	}
	return "", kerr.Newf(kerr.InvalidArg, "string at %#x exceeds %d bytes", virt, limit)
}

// chunk is the number of bytes from pa to the end of its page, capped at
// want.
func chunk(pa uint32, want int) int {
	return min(int(PageSize-pa%PageSize), want)
}
