package config

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/samsamfire/gocanopen-core/od"
	"gopkg.in/ini.v1"
)

var matchIndexRegExp = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
var matchSubIndexRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})sub([0-9A-Fa-f]+)$`)

// ParseEDS builds an ObjectDictionary from an Electronic Data Sheet (CiA
// 306): an ini-formatted file with one [XXXX] section per index and one
// [XXXXsubYY] section per sub-index. file may be a path, []byte, io.Reader
// or anything gopkg.in/ini.v1 accepts. nodeId resolves any "$NODEID"
// relative DefaultValue.
func ParseEDS(file any, nodeId uint8) (*od.ObjectDictionary, error) {
	dict := od.New(nil)

	edsFile, err := ini.Load(file)
	if err != nil {
		return nil, err
	}

	for _, section := range edsFile.Sections() {
		name := section.Name()

		if matchIndexRegExp.MatchString(name) {
			idx, err := strconv.ParseUint(name, 16, 16)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			paramName := section.Key("ParameterName").String()
			objType, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
			objectType := uint8(objType)
			if err != nil {
				objectType = od.ObjectTypeVAR
			}

			switch objectType {
			case od.ObjectTypeVAR:
				variable, err := od.NewVariableFromSection(section, paramName, nodeId, index, 0)
				if err != nil {
					return nil, err
				}
				dict.AddVariableFromSection(index, variable)
			case od.ObjectTypeARRAY:
				subNumber, err := strconv.ParseUint(section.Key("SubNumber").Value(), 0, 8)
				if err != nil {
					return nil, err
				}
				dict.AddVariableList(index, paramName, od.NewArray(uint8(subNumber)))
			case od.ObjectTypeRECORD:
				dict.AddVariableList(index, paramName, od.NewRecord())
			default:
				return nil, fmt.Errorf("config: unknown object type %d at index 0x%04X", objectType, index)
			}
			continue
		}

		if matchSubIndexRegExp.MatchString(name) {
			idx, err := strconv.ParseUint(name[0:4], 16, 16)
			if err != nil {
				return nil, err
			}
			sidx, err := strconv.ParseUint(name[7:], 16, 8)
			if err != nil {
				return nil, err
			}
			index := uint16(idx)
			subIndex := uint8(sidx)
			paramName := section.Key("ParameterName").String()

			entry := dict.Index(index)
			if entry == nil {
				return nil, fmt.Errorf("config: index 0x%04X referenced by %s before its own section", index, name)
			}
			if err := entry.AddSectionMember(section, paramName, nodeId, subIndex); err != nil {
				return nil, err
			}
		}
	}

	return dict, nil
}
