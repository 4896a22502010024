package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"

	"github.com/pkg/errors"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

func colorToPCDInt(c color.NRGBA) uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// ToPCD writes the cloud in PCD v0.7 format.
func ToPCD(cloud *PointCloud, out io.Writer, outputType PCDType) error {
	bw := bufio.NewWriter(out)
	_, err := fmt.Fprintf(bw, "VERSION .7\n"+
		"FIELDS x y z rgb\n"+
		"SIZE 4 4 4 4\n"+
		"TYPE F F F I\n"+
		"COUNT 1 1 1 1\n"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(),
		cloud.Size())
	if err != nil {
		return err
	}

	switch outputType {
	case PCDBinary:
		_, err = fmt.Fprintf(bw, "DATA binary\n")
	case PCDAscii:
		_, err = fmt.Fprintf(bw, "DATA ascii\n")
	default:
		return errors.Errorf("unsupported pcd type %d", outputType)
	}
	if err != nil {
		return err
	}

	buf := make([]byte, 16)
	for i, p := range cloud.points {
		c := colorToPCDInt(cloud.colors[i])
		switch outputType {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			binary.LittleEndian.PutUint32(buf[12:], c)
			_, err = bw.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(bw, "%f %f %f %d\n", p.X, p.Y, p.Z, c)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
