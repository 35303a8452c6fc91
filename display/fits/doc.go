// Package fits writes frames as FITS files, the format astronomy viewers such
// as ds9 load natively.
//
// Every frame becomes one primary HDU, encoded with github.com/astrogo/fitsio.
// BITPIX follows the frame's depth tag. Unsigned integer types are stored
// with the sign bit flipped and a BZERO card, the standard FITS convention, so
// readers recover the original values. Stream name, write counter, ring slot
// and read time are recorded in SHM* and DATE-OBS cards.
//
// Writer names files "<stream>_<write counter>.fits" and removes the oldest once
// more than MaxFiles exist. With MaxFiles 1 it keeps replacing "<stream>.fits",
// which suits a viewer watching a single file.
package fits
