package hierarchy

// Bootstrap knows the core platform types that appear in almost every
// method body, so verification works without a JDK on the classpath.
var Bootstrap = Map{}

func init() {
	classes := []struct {
		name, super string
		ifaces      []string
	}{
		{Object, "", nil},
		{"java/lang/String", Object, []string{"java/io/Serializable", "java/lang/Comparable", "java/lang/CharSequence"}},
		{"java/lang/Class", Object, []string{"java/io/Serializable"}},
		{"java/lang/System", Object, nil},
		{"java/lang/Thread", Object, []string{"java/lang/Runnable"}},
		{"java/lang/Math", Object, nil},
		{"java/lang/StringBuilder", "java/lang/AbstractStringBuilder", []string{"java/io/Serializable", "java/lang/CharSequence"}},
		{"java/lang/AbstractStringBuilder", Object, []string{"java/lang/Appendable", "java/lang/CharSequence"}},
		{"java/lang/Number", Object, []string{"java/io/Serializable"}},
		{"java/lang/Integer", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Long", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Double", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Float", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Short", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Byte", "java/lang/Number", []string{"java/lang/Comparable"}},
		{"java/lang/Boolean", Object, []string{"java/io/Serializable", "java/lang/Comparable"}},
		{"java/lang/Character", Object, []string{"java/io/Serializable", "java/lang/Comparable"}},
		{"java/lang/Enum", Object, []string{"java/lang/Comparable", "java/io/Serializable"}},
		{"java/lang/Throwable", Object, []string{"java/io/Serializable"}},
		{"java/lang/Exception", "java/lang/Throwable", nil},
		{"java/lang/Error", "java/lang/Throwable", nil},
		{"java/lang/RuntimeException", "java/lang/Exception", nil},
		{"java/lang/IllegalStateException", "java/lang/RuntimeException", nil},
		{"java/lang/IllegalArgumentException", "java/lang/RuntimeException", nil},
		{"java/lang/NullPointerException", "java/lang/RuntimeException", nil},
		{"java/lang/ArithmeticException", "java/lang/RuntimeException", nil},
		{"java/lang/IndexOutOfBoundsException", "java/lang/RuntimeException", nil},
		{"java/lang/ArrayIndexOutOfBoundsException", "java/lang/IndexOutOfBoundsException", nil},
		{"java/lang/ClassCastException", "java/lang/RuntimeException", nil},
		{"java/lang/UnsupportedOperationException", "java/lang/RuntimeException", nil},
		{"java/lang/InterruptedException", "java/lang/Exception", nil},
		{"java/lang/ReflectiveOperationException", "java/lang/Exception", nil},
		{"java/lang/ClassNotFoundException", "java/lang/ReflectiveOperationException", nil},
		{"java/lang/ThreadDeath", "java/lang/Error", nil},
		{"java/lang/VirtualMachineError", "java/lang/Error", nil},
		{"java/lang/StackOverflowError", "java/lang/VirtualMachineError", nil},
		{"java/lang/OutOfMemoryError", "java/lang/VirtualMachineError", nil},
		{"java/io/IOException", "java/lang/Exception", nil},
		{"java/io/OutputStream", Object, []string{"java/io/Closeable", "java/io/Flushable"}},
		{"java/io/FilterOutputStream", "java/io/OutputStream", nil},
		{"java/io/PrintStream", "java/io/FilterOutputStream", []string{"java/lang/Appendable", "java/io/Closeable"}},
		{"java/util/AbstractCollection", Object, []string{"java/util/Collection"}},
		{"java/util/AbstractList", "java/util/AbstractCollection", []string{"java/util/List"}},
		{"java/util/ArrayList", "java/util/AbstractList", []string{"java/util/List", "java/util/RandomAccess", "java/lang/Cloneable", "java/io/Serializable"}},
		{"java/util/AbstractMap", Object, []string{"java/util/Map"}},
		{"java/util/HashMap", "java/util/AbstractMap", []string{"java/util/Map", "java/lang/Cloneable", "java/io/Serializable"}},
	}
	for _, c := range classes {
		Bootstrap[c.name] = &Info{Name: c.name, Super: c.super, Interfaces: c.ifaces}
	}
	for _, name := range []string{
		"java/io/Serializable", "java/io/Closeable", "java/io/Flushable",
		"java/lang/Comparable", "java/lang/CharSequence", "java/lang/Runnable",
		"java/lang/Cloneable", "java/lang/Appendable", "java/lang/Iterable", "java/lang/AutoCloseable",
		"java/util/Collection", "java/util/List", "java/util/Map", "java/util/RandomAccess",
	} {
		Bootstrap[name] = &Info{Name: name, Super: Object, Interface: true}
	}
}
