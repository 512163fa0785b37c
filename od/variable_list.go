package od

// VariableList backs an ARRAY or RECORD entry: a fixed-size slot-indexed
// collection for ARRAY, an append-ordered collection for RECORD.
type VariableList struct {
	Variables         []*Variable
	objectType        uint8
	subEntriesNameMap map[string]uint8
}

func newVariableList(length int, objectType uint8) *VariableList {
	return &VariableList{
		objectType:        objectType,
		Variables:         make([]*Variable, length),
		subEntriesNameMap: make(map[string]uint8),
	}
}

// NewRecord creates an empty RECORD variable list.
func NewRecord() *VariableList { return newVariableList(0, ObjectTypeRECORD) }

// NewArray creates an ARRAY variable list with length pre-allocated slots.
func NewArray(length uint8) *VariableList { return newVariableList(int(length), ObjectTypeARRAY) }

// GetSubObject returns the Variable at subindex.
func (list *VariableList) GetSubObject(subIndex uint8) (*Variable, error) {
	if list.objectType == ObjectTypeARRAY {
		if int(subIndex) >= len(list.Variables) {
			return nil, ErrSubNotExist
		}
		return list.Variables[subIndex], nil
	}
	for _, variable := range list.Variables {
		if variable.SubIndex == subIndex {
			return variable, nil
		}
	}
	return nil, ErrSubNotExist
}

// GetSubObjectByName looks up a sub-entry by its EDS section name.
func (list *VariableList) GetSubObjectByName(name string) (*Variable, error) {
	sub, ok := list.subEntriesNameMap[name]
	if !ok {
		return nil, ErrSubNotExist
	}
	return list.GetSubObject(sub)
}

// AddSubObject inserts (ARRAY) or appends (RECORD) a sub-entry.
func (list *VariableList) AddSubObject(subIndex uint8, name string, dataType uint8, attribute uint8, value string) (*Variable, error) {
	variable, err := NewVariable(subIndex, name, dataType, attribute, value)
	if err != nil {
		return nil, err
	}
	if list.objectType == ObjectTypeARRAY {
		if int(subIndex) >= len(list.Variables) {
			return nil, ErrSubNotExist
		}
		list.subEntriesNameMap[name] = subIndex
		list.Variables[subIndex] = variable
		return variable, nil
	}
	list.subEntriesNameMap[name] = subIndex
	list.Variables = append(list.Variables, variable)
	return variable, nil
}
